package connmgr

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"

	"github.com/tunnelmesh/peerconn/internal/ice"
	"github.com/tunnelmesh/peerconn/pkg/upnp"
)

// Family selects an address family for published-address queries.
type Family int

const (
	FamilyUnspec Family = iota
	FamilyV4
	FamilyV6
)

// stunQueryTimeout bounds one STUN binding round-trip.
const stunQueryTimeout = 5 * time.Second

// addressCache holds the published addresses ICE advertises. Guarded by
// its own mutex, separate from the registry lock.
type addressCache struct {
	publishedV4 net.IP
	publishedV6 net.IP
}

// turnCache holds the resolved TURN server address per family, refreshed
// by StoreActiveIPAddress.
type turnCache struct {
	v4 *net.UDPAddr
	v6 *net.UDPAddr
}

// GetPublishedIPAddress returns the cached address the local device
// advertises for the given family. FamilyUnspec prefers IPv4.
func (m *ConnectionManager) GetPublishedIPAddress(family Family) net.IP {
	m.addrMu.Lock()
	defer m.addrMu.Unlock()
	switch family {
	case FamilyV4:
		return m.addrs.publishedV4
	case FamilyV6:
		return m.addrs.publishedV6
	default:
		if m.addrs.publishedV4 != nil {
			return m.addrs.publishedV4
		}
		return m.addrs.publishedV6
	}
}

// SetPublishedAddress records an externally learned published address in
// the slot matching its family.
func (m *ConnectionManager) SetPublishedAddress(ip net.IP) {
	if ip == nil {
		return
	}
	m.addrMu.Lock()
	defer m.addrMu.Unlock()
	if v4 := ip.To4(); v4 != nil {
		m.addrs.publishedV4 = v4
	} else {
		m.addrs.publishedV6 = ip
	}
}

// StoreActiveIPAddress refreshes the published address (STUN when
// enabled, the preferred local interface otherwise), the TURN resolution
// cache and, when UPnP is active, the gateway mapping. cb, if non-nil,
// runs once the caches are updated.
func (m *ConnectionManager) StoreActiveIPAddress(cb func()) {
	go func() {
		defer func() {
			if cb != nil {
				cb()
			}
		}()

		if m.cfg.StunEnabled {
			if ip, err := stunPublicAddr(m.cfg.StunServer); err == nil {
				m.SetPublishedAddress(ip)
			} else {
				m.log.Debug().Err(err).Str("server", m.cfg.StunServer).Msg("stun address query failed")
			}
		} else if ip, err := preferredLocalIP(); err == nil {
			m.SetPublishedAddress(ip)
		}

		if m.cfg.TurnEnabled {
			m.resolveTurnAddrs()
		}
		m.reserveGatewayMapping()
	}()
}

// stunPublicAddr asks the STUN server for our reflexive address.
func stunPublicAddr(server string) (net.IP, error) {
	client, err := stun.Dial("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("stun dial: %w", err)
	}
	defer client.Close()

	client.SetRTO(stunQueryTimeout)

	var (
		ip    net.IP
		doErr error
	)
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if err := client.Do(msg, func(res stun.Event) {
		if res.Error != nil {
			doErr = res.Error
			return
		}
		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res.Message); err != nil {
			doErr = fmt.Errorf("xor-mapped-address: %w", err)
			return
		}
		ip = xor.IP
	}); err != nil {
		return nil, fmt.Errorf("stun binding: %w", err)
	}
	if doErr != nil {
		return nil, doErr
	}
	if ip == nil {
		return nil, fmt.Errorf("stun binding: empty response")
	}
	return ip, nil
}

// preferredLocalIP returns the outbound interface address, used as the
// published address when no STUN server is configured.
func preferredLocalIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:53")
	if err != nil {
		return nil, fmt.Errorf("detect local IP: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// resolveTurnAddrs refreshes the per-family TURN resolution cache.
func (m *ConnectionManager) resolveTurnAddrs() {
	if v4, err := net.ResolveUDPAddr("udp4", m.cfg.TurnServer); err == nil {
		m.turnMu.Lock()
		m.turn.v4 = v4
		m.turnMu.Unlock()
	}
	if v6, err := net.ResolveUDPAddr("udp6", m.cfg.TurnServer); err == nil {
		m.turnMu.Lock()
		m.turn.v6 = v6
		m.turnMu.Unlock()
	}
}

// reserveGatewayMapping reserves one UDP mapping covering the configured
// candidate port range and publishes its external address.
func (m *ConnectionManager) reserveGatewayMapping() {
	if !m.cfg.GetUPnPActive() || m.cfg.IcePortMin == 0 {
		return
	}
	m.addrMu.Lock()
	already := m.gatewayMapping != nil
	m.addrMu.Unlock()
	if already {
		return
	}

	mapping, err := m.cfg.UpnpCtrl.ReserveMapping(m.cfg.IcePortMin, upnp.UDP)
	if err != nil {
		m.log.Debug().Err(err).Msg("upnp mapping failed")
		return
	}
	m.addrMu.Lock()
	m.gatewayMapping = mapping
	m.addrMu.Unlock()
	if mapping.ExternalIP != nil {
		m.SetPublishedAddress(mapping.ExternalIP)
	}
}

// IceOptions builds transport options from the current config and caches.
func (m *ConnectionManager) IceOptions(initiator bool) ice.Options {
	opts := ice.Options{
		Initiator:    initiator,
		StunEnabled:  m.cfg.StunEnabled,
		StunServer:   m.cfg.StunServer,
		TurnEnabled:  m.cfg.TurnEnabled,
		TurnServer:   m.cfg.TurnServer,
		TurnUsername: m.cfg.TurnServerUserName,
		TurnPassword: m.cfg.TurnServerPwd,
		TurnRealm:    m.cfg.TurnServerRealm,
		TCPEnabled:   m.cfg.IceTCPEnabled,
		PortMin:      m.cfg.IcePortMin,
		PortMax:      m.cfg.IcePortMax,
	}
	m.addrMu.Lock()
	if m.addrs.publishedV4 != nil {
		opts.PublishedIPs = append(opts.PublishedIPs, m.addrs.publishedV4.String())
	}
	if m.addrs.publishedV6 != nil {
		opts.PublishedIPs = append(opts.PublishedIPs, m.addrs.publishedV6.String())
	}
	m.addrMu.Unlock()
	return opts
}

// IceOptionsAsync refreshes the address caches first, then delivers
// options built from the fresh state.
func (m *ConnectionManager) IceOptionsAsync(initiator bool, cb func(ice.Options)) {
	m.StoreActiveIPAddress(func() {
		cb(m.IceOptions(initiator))
	})
}
