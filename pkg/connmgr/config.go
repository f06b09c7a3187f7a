package connmgr

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tunnelmesh/peerconn/pkg/bytesize"
	"github.com/tunnelmesh/peerconn/pkg/certstore"
	"github.com/tunnelmesh/peerconn/pkg/dht"
	"github.com/tunnelmesh/peerconn/pkg/identity"
	"github.com/tunnelmesh/peerconn/pkg/upnp"
)

// Config holds everything a connection manager needs. The scalar options
// load from YAML; the collaborator handles are injected by the owning
// account before New. Immutable after construction.
type Config struct {
	// STUN public address resolution.
	StunEnabled bool   `yaml:"stun_enabled"`
	StunServer  string `yaml:"stun_server"` // host:port

	// TURN relay.
	TurnEnabled        bool   `yaml:"turn_enabled"`
	TurnServer         string `yaml:"turn_server"` // host:port
	TurnServerUserName string `yaml:"turn_server_username"`
	TurnServerPwd      string `yaml:"turn_server_password"`
	TurnServerRealm    string `yaml:"turn_server_realm"`

	// UPnPEnabled allows gateway port mappings when a controller is set.
	UPnPEnabled bool `yaml:"upnp_enabled"`

	// IceTCPEnabled additionally gathers TCP candidates.
	IceTCPEnabled bool `yaml:"ice_tcp_enabled"`

	// IcePortMin/IcePortMax restrict the local candidate port range when
	// non-zero.
	IcePortMin uint16 `yaml:"ice_port_min"`
	IcePortMax uint16 `yaml:"ice_port_max"`

	// CachePath persists pinned peer certificates. Empty keeps them in
	// memory only.
	CachePath string `yaml:"cache_path"`

	// Negotiation state deadlines. Set programmatically, or as duration
	// strings in the YAML file ("30s", "1m").
	CertResolutionTimeout time.Duration `yaml:"-"`
	SignalingTimeout      time.Duration `yaml:"-"`
	IceTimeout            time.Duration `yaml:"-"`
	TlsTimeout            time.Duration `yaml:"-"`

	// DhtRetries bounds internal retries of transient DHT put failures
	// within the signaling timeout.
	DhtRetries int `yaml:"dht_retries"`

	// Multiplexer tuning, applied to every socket this manager creates.
	// The sizes accept unit strings in YAML ("64KB").
	BeaconInterval time.Duration `yaml:"-"`
	BeaconTimeout  time.Duration `yaml:"-"`
	OpenTimeout    time.Duration `yaml:"-"`
	HighWater      bytesize.Size `yaml:"high_water"`
	LowWater       bytesize.Size `yaml:"low_water"`
	MaxFrameSize   bytesize.Size `yaml:"max_frame_size"`

	// ID is the local device identity.
	ID *identity.Identity `yaml:"-"`

	// Dht is the rendezvous signaling medium.
	Dht dht.Runner `yaml:"-"`

	// CertStore resolves and pins device certificates. Defaults to a
	// file store under CachePath, or an in-memory store.
	CertStore certstore.Store `yaml:"-"`

	// UpnpCtrl is the optional gateway controller.
	UpnpCtrl upnp.Controller `yaml:"-"`

	// Logger overrides the package-global logger when non-nil.
	Logger *zerolog.Logger `yaml:"-"`

	// Linker overrides transport establishment; nil selects the
	// production ICE + DTLS linker. Tests substitute an in-process one.
	Linker Linker `yaml:"-"`
}

// yamlDurations carries the duration options as strings; YAML has no
// native duration scalar.
type yamlDurations struct {
	CertResolutionTimeout string `yaml:"cert_resolution_timeout"`
	SignalingTimeout      string `yaml:"signaling_timeout"`
	IceTimeout            string `yaml:"ice_timeout"`
	TlsTimeout            string `yaml:"tls_timeout"`
	BeaconInterval        string `yaml:"beacon_interval"`
	BeaconTimeout         string `yaml:"beacon_timeout"`
	OpenTimeout           string `yaml:"open_timeout"`
}

// LoadConfig reads the scalar options from a YAML file. Handles still need
// to be injected afterwards.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var durs yamlDurations
	if err := yaml.Unmarshal(data, &durs); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{durs.CertResolutionTimeout, &cfg.CertResolutionTimeout, "cert_resolution_timeout"},
		{durs.SignalingTimeout, &cfg.SignalingTimeout, "signaling_timeout"},
		{durs.IceTimeout, &cfg.IceTimeout, "ice_timeout"},
		{durs.TlsTimeout, &cfg.TlsTimeout, "tls_timeout"},
		{durs.BeaconInterval, &cfg.BeaconInterval, "beacon_interval"},
		{durs.BeaconTimeout, &cfg.BeaconTimeout, "beacon_timeout"},
		{durs.OpenTimeout, &cfg.OpenTimeout, "open_timeout"},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return cfg, nil
}

// Validate checks required handles and applies defaults.
func (c *Config) Validate() error {
	if c.ID == nil {
		return fmt.Errorf("config: identity is required")
	}
	if c.Dht == nil {
		return fmt.Errorf("config: dht runner is required")
	}
	if c.StunEnabled && c.StunServer == "" {
		return fmt.Errorf("config: stun enabled without server")
	}
	if c.TurnEnabled && c.TurnServer == "" {
		return fmt.Errorf("config: turn enabled without server")
	}

	if c.CertStore == nil {
		if c.CachePath != "" {
			store, err := certstore.NewFileStore(c.CachePath)
			if err != nil {
				return fmt.Errorf("config: cert cache: %w", err)
			}
			c.CertStore = store
		} else {
			c.CertStore = certstore.NewMemoryStore()
		}
	}

	if c.CertResolutionTimeout <= 0 {
		c.CertResolutionTimeout = 15 * time.Second
	}
	if c.SignalingTimeout <= 0 {
		c.SignalingTimeout = 30 * time.Second
	}
	if c.IceTimeout <= 0 {
		c.IceTimeout = 30 * time.Second
	}
	if c.TlsTimeout <= 0 {
		c.TlsTimeout = 15 * time.Second
	}
	if c.DhtRetries <= 0 {
		c.DhtRetries = 3
	}
	if c.BeaconInterval <= 0 {
		c.BeaconInterval = 30 * time.Second
	}
	if c.BeaconTimeout <= 0 {
		c.BeaconTimeout = 10 * time.Second
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	return nil
}

// GetUPnPActive reports whether UPnP is enabled and a gateway is ready to
// take mappings.
func (c *Config) GetUPnPActive() bool {
	return c.UPnPEnabled && c.UpnpCtrl != nil && c.UpnpCtrl.IsReady()
}
