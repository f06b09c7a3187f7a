package ice

import (
	"fmt"
	"strings"

	pionice "github.com/pion/ice/v2"
	"github.com/pion/stun"
)

// Options configures one ICE transport. Built by the connection manager
// from its config and address caches; see connmgr.IceOptions.
type Options struct {
	// Initiator selects the controlling role. The offering side initiates.
	Initiator bool

	StunEnabled bool
	StunServer  string // host:port

	TurnEnabled  bool
	TurnServer   string // host:port
	TurnUsername string
	TurnPassword string
	TurnRealm    string

	// PublishedIPs are addresses to advertise in place of the locally
	// detected host addresses (configured public address, UPnP mapping,
	// STUN-learned address).
	PublishedIPs []string

	// TCPEnabled additionally gathers TCP candidate types.
	TCPEnabled bool

	// PortMin/PortMax restrict the local UDP port range when non-zero.
	PortMin uint16
	PortMax uint16
}

// serverURLs converts the STUN/TURN settings into pion URI entries.
func (o Options) serverURLs() ([]*stun.URI, error) {
	var urls []*stun.URI
	if o.StunEnabled && o.StunServer != "" {
		uri, err := stun.ParseURI(ensureScheme("stun", o.StunServer))
		if err != nil {
			return nil, fmt.Errorf("stun server %q: %w", o.StunServer, err)
		}
		urls = append(urls, uri)
	}
	if o.TurnEnabled && o.TurnServer != "" {
		uri, err := stun.ParseURI(ensureScheme("turn", o.TurnServer))
		if err != nil {
			return nil, fmt.Errorf("turn server %q: %w", o.TurnServer, err)
		}
		uri.Username = o.TurnUsername
		uri.Password = o.TurnPassword
		urls = append(urls, uri)
	}
	return urls, nil
}

func ensureScheme(scheme, server string) string {
	if strings.HasPrefix(server, scheme+":") {
		return server
	}
	return scheme + ":" + server
}

// networkTypes returns the candidate networks to gather on.
func (o Options) networkTypes() []pionice.NetworkType {
	types := []pionice.NetworkType{pionice.NetworkTypeUDP4, pionice.NetworkTypeUDP6}
	if o.TCPEnabled {
		types = append(types, pionice.NetworkTypeTCP4, pionice.NetworkTypeTCP6)
	}
	return types
}
