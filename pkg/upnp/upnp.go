// Package upnp discovers an Internet Gateway Device and reserves port
// mappings for ICE. The connection manager treats the controller as an
// optional collaborator: when no gateway answers, everything still works
// through STUN/TURN.
package upnp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/rs/zerolog/log"
)

// Protocol is a transport protocol for a port mapping.
type Protocol string

const (
	UDP Protocol = "UDP"
	TCP Protocol = "TCP"
)

// defaultLease is the mapping lifetime requested from the gateway.
const defaultLease = time.Hour

// Mapping is an active reservation on the gateway.
type Mapping struct {
	Protocol     Protocol
	InternalPort uint16
	ExternalPort uint16
	ExternalIP   net.IP
	Lease        time.Duration
	CreatedAt    time.Time
}

// Controller reserves port mappings on a NAT gateway.
type Controller interface {
	// IsReady reports whether a gateway was discovered and mappings can
	// be requested.
	IsReady() bool

	// ReserveMapping maps the given local port on the gateway, returning
	// the external address side.
	ReserveMapping(port uint16, proto Protocol) (*Mapping, error)

	// ReleaseMapping removes a previously reserved mapping.
	ReleaseMapping(m *Mapping) error
}

// igdClient is the subset of the goupnp WAN*Connection services we need;
// both IGDv1 and IGDv2 clients satisfy it.
type igdClient interface {
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
	GetExternalIPAddress() (string, error)
}

// IGDController discovers the gateway lazily on first use and remembers
// the result.
type IGDController struct {
	mu       sync.Mutex
	client   igdClient
	localIP  net.IP
	searched bool
}

// NewIGDController creates a controller; discovery happens on first
// IsReady or ReserveMapping call.
func NewIGDController() *IGDController {
	return &IGDController{}
}

// IsReady discovers the gateway if needed and reports availability.
func (c *IGDController) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoverLocked()
	return c.client != nil
}

// ReserveMapping maps port/proto on the gateway with a renewable lease.
func (c *IGDController) ReserveMapping(port uint16, proto Protocol) (*Mapping, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoverLocked()
	if c.client == nil {
		return nil, fmt.Errorf("upnp: no gateway")
	}

	if err := c.client.AddPortMapping("", port, string(proto), port, c.localIP.String(), true,
		"peerconn", uint32(defaultLease.Seconds())); err != nil {
		return nil, fmt.Errorf("upnp: add mapping: %w", err)
	}

	extIP := net.IP(nil)
	if s, err := c.client.GetExternalIPAddress(); err == nil {
		extIP = net.ParseIP(s)
	}

	m := &Mapping{
		Protocol:     proto,
		InternalPort: port,
		ExternalPort: port,
		ExternalIP:   extIP,
		Lease:        defaultLease,
		CreatedAt:    time.Now(),
	}
	log.Debug().Uint16("port", port).Str("proto", string(proto)).Msg("upnp mapping reserved")
	return m, nil
}

// ReleaseMapping removes the mapping from the gateway.
func (c *IGDController) ReleaseMapping(m *Mapping) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || m == nil {
		return nil
	}
	if err := client.DeletePortMapping("", m.ExternalPort, string(m.Protocol)); err != nil {
		return fmt.Errorf("upnp: delete mapping: %w", err)
	}
	return nil
}

// discoverLocked runs SSDP discovery once, preferring IGDv2 services.
func (c *IGDController) discoverLocked() {
	if c.searched {
		return
	}
	c.searched = true

	local, err := preferredLocalIP()
	if err != nil {
		log.Debug().Err(err).Msg("upnp: no local address")
		return
	}
	c.localIP = local

	if clients, _, err := internetgateway2.NewWANIPConnection2Clients(); err == nil && len(clients) > 0 {
		c.client = clients[0]
		return
	}
	if clients, _, err := internetgateway2.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		c.client = clients[0]
		return
	}
	if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		c.client = clients[0]
		return
	}
	log.Debug().Msg("upnp: no gateway found")
}

// preferredLocalIP finds the outbound interface address the gateway will
// see as the mapping target. Dialing UDP makes no actual connection.
func preferredLocalIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:53")
	if err != nil {
		return nil, fmt.Errorf("detect local IP: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
