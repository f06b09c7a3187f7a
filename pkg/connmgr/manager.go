// Package connmgr establishes, multiplexes and maintains authenticated,
// NAT-traversing transports between the local device and remote devices
// identified by certificate fingerprints. The DHT is used purely as a
// rendezvous medium: offers and answers travel as encrypted values on the
// recipient device's key, ICE finds a candidate pair, mutual TLS binds the
// flow to the device identities, and a multiplexed socket carries named
// channels on top.
package connmgr

import (
	"context"
	"crypto/x509"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/peerconn/pkg/dht"
	"github.com/tunnelmesh/peerconn/pkg/identity"
	"github.com/tunnelmesh/peerconn/pkg/mux"
	"github.com/tunnelmesh/peerconn/pkg/proto"
	"github.com/tunnelmesh/peerconn/pkg/upnp"
)

// ConnectCallback delivers the outcome of a ConnectDevice call: a live
// channel on success, a nil channel and one of the package errors
// otherwise. It fires exactly once per call.
type ConnectCallback func(ch *mux.ChannelSocket, device identity.DeviceID, err error)

// ICERequestCallback gates inbound connection offers. Returning false
// drops the offer silently.
type ICERequestCallback func(device identity.DeviceID) bool

// ChannelRequestCallback gates inbound channel opens on established
// sockets.
type ChannelRequestCallback func(peer *x509.Certificate, name string) bool

// ConnectionReadyCallback surfaces an accepted inbound channel.
type ConnectionReadyCallback func(device identity.DeviceID, name string, ch *mux.ChannelSocket)

// IOSConnectedCallback is invoked for inbound offers that carry a
// connection type, before the ICE-request gate. Returning true means the
// wakeup was handled out-of-band and the offer is dropped.
type IOSConnectedCallback func(connType string, device identity.DeviceID) bool

// ConnectOptions modify one ConnectDevice call.
type ConnectOptions struct {
	// NoNewSocket fails immediately when no established socket exists
	// instead of negotiating one.
	NoNewSocket bool

	// ForceNewSocket negotiates a fresh socket even when one exists; the
	// attempt never attaches to a pending negotiation either.
	ForceNewSocket bool

	// ConnType tags the offer for the remote (push wakeup reasons);
	// opaque here.
	ConnType string
}

// ConnectionManager orchestrates certificate resolution, DHT signaling,
// transport negotiation and the registry of established sockets. Public
// methods are safe from any goroutine.
type ConnectionManager struct {
	cfg *Config
	log zerolog.Logger

	deviceID identity.DeviceID
	linker   Linker
	metrics  *managerMetrics

	// mu guards the registry maps. Never held across I/O or callbacks.
	mu         sync.Mutex
	connecting map[identity.DeviceID][]*pendingContext
	ready      map[identity.DeviceID][]*mux.MultiplexedSocket

	// peerMu serializes inbound offer handling per device.
	peerMu sync.Mutex
	peerLk map[identity.DeviceID]*sync.Mutex

	addrMu         sync.Mutex
	addrs          addressCache
	gatewayMapping *upnp.Mapping

	turnMu sync.Mutex
	turn   turnCache

	cbMu              sync.Mutex
	onICERequest      ICERequestCallback
	onChannelRequest  ChannelRequestCallback
	onConnectionReady ConnectionReadyCallback
	onIOSConnected    IOSConnectedCallback

	listenMu    sync.Mutex
	listenToken dht.Token
	listening   bool

	closeOnce sync.Once
	closed    chan struct{}
}

// New validates the config and creates a manager. Call OnDhtConnected once
// the DHT is reachable to start receiving inbound requests.
func New(cfg *Config) (*ConnectionManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	m := &ConnectionManager{
		cfg:        cfg,
		deviceID:   cfg.ID.DeviceID(),
		connecting: make(map[identity.DeviceID][]*pendingContext),
		ready:      make(map[identity.DeviceID][]*mux.MultiplexedSocket),
		peerLk:     make(map[identity.DeviceID]*sync.Mutex),
		closed:     make(chan struct{}),
	}
	m.log = base.With().Str("device", shortDevice(m.deviceID)).Logger()
	m.metrics = newManagerMetrics(m.deviceID.String())
	m.linker = cfg.Linker
	if m.linker == nil {
		m.linker = &iceLinker{cm: m}
	}

	// The account's own certificate is always trusted.
	cfg.CertStore.Pin(cfg.ID.Certificate)
	return m, nil
}

// Config returns the manager's configuration.
func (m *ConnectionManager) Config() *Config { return m.cfg }

// DeviceID returns the local device fingerprint.
func (m *ConnectionManager) DeviceID() identity.DeviceID { return m.deviceID }

// ConnectDevice opens a named channel to a device known only by
// fingerprint. The certificate is resolved from the store or the DHT
// first. Asynchronous: cb fires exactly once.
func (m *ConnectionManager) ConnectDevice(device identity.DeviceID, name string, cb ConnectCallback, opts ConnectOptions) {
	go m.connect(nil, device, name, onceCallback(cb), opts)
}

// ConnectDeviceCert is ConnectDevice for a peer whose certificate is
// already known.
func (m *ConnectionManager) ConnectDeviceCert(cert *x509.Certificate, name string, cb ConnectCallback, opts ConnectOptions) {
	go m.connect(cert, identity.DeviceIDOf(cert), name, onceCallback(cb), opts)
}

// IsConnecting reports whether a channel open with the given name is in
// flight for the device, counting both queued opens on pending
// negotiations and opens awaiting the remote verdict on ready sockets.
// A just-issued ConnectDevice may not be visible yet.
func (m *ConnectionManager) IsConnecting(device identity.DeviceID, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pc := range m.connecting[device] {
		if pc.hasWaiter(name) {
			return true
		}
	}
	for _, sock := range m.ready[device] {
		if sock.IsOpening(name) {
			return true
		}
	}
	return false
}

// CloseConnectionsWith tears down every socket and pending negotiation
// whose peer certificate carries the given account URI. Pending callbacks
// fire with ErrShutdown.
func (m *ConnectionManager) CloseConnectionsWith(peerURI string) {
	var socks []*mux.MultiplexedSocket
	var pcs []*pendingContext

	m.mu.Lock()
	for device, list := range m.ready {
		cert := m.cfg.CertStore.Find(device)
		if cert == nil || identity.AccountURIOf(cert) != peerURI {
			continue
		}
		socks = append(socks, list...)
	}
	for _, list := range m.connecting {
		for _, pc := range list {
			if pc.certURI() == peerURI {
				pcs = append(pcs, pc)
			}
		}
	}
	m.mu.Unlock()

	for _, pc := range pcs {
		pc.fail(ErrShutdown)
	}
	for _, sock := range socks {
		sock.Close()
	}
}

// OnDhtConnected installs the listener for inbound requests on this
// device's rendezvous key and publishes the device certificate for peers
// resolving us by fingerprint. Reinstalling replaces the previous
// listener.
func (m *ConnectionManager) OnDhtConnected() {
	selfKey := proto.ListenKey(identity.InfoHashOf(m.cfg.ID.Certificate))

	m.listenMu.Lock()
	if m.listening {
		m.cfg.Dht.CancelListen(m.listenToken)
	}
	m.listenToken = m.cfg.Dht.Listen(selfKey, m.onPeerMessage)
	m.listening = true
	m.listenMu.Unlock()

	m.cfg.Dht.Put(context.Background(), certKey(m.deviceID), m.cfg.ID.Certificate.Raw, nil)
	m.log.Debug().Msg("dht listener installed")
}

// OnICERequest installs the inbound-offer gate. Unset accepts everything.
func (m *ConnectionManager) OnICERequest(cb ICERequestCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onICERequest = cb
}

// OnChannelRequest installs the inbound channel gate. Unset accepts
// everything.
func (m *ConnectionManager) OnChannelRequest(cb ChannelRequestCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onChannelRequest = cb
}

// OnConnectionReady installs the callback surfacing accepted inbound
// channels.
func (m *ConnectionManager) OnConnectionReady(cb ConnectionReadyCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onConnectionReady = cb
}

// OnIOSConnected installs the push-wakeup callback for typed inbound
// offers.
func (m *ConnectionManager) OnIOSConnected(cb IOSConnectedCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onIOSConnected = cb
}

// ConnectivityChanged probes every established socket with a beacon and
// tears down those that fail to answer, then refreshes the address
// caches.
func (m *ConnectionManager) ConnectivityChanged() {
	m.mu.Lock()
	var socks []*mux.MultiplexedSocket
	for _, list := range m.ready {
		socks = append(socks, list...)
	}
	m.mu.Unlock()

	for _, sock := range socks {
		go func(s *mux.MultiplexedSocket) {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.BeaconTimeout)
			defer cancel()
			if err := s.SendBeacon(ctx); err != nil && !s.IsClosed() {
				m.log.Warn().Str("peer", shortDevice(s.Device())).Err(err).Msg("beacon probe failed, closing socket")
				s.Shutdown(mux.ErrBeaconTimeout)
			}
		}(sock)
	}

	m.StoreActiveIPAddress(nil)
}

// ActiveSockets returns the number of established sockets.
func (m *ConnectionManager) ActiveSockets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, list := range m.ready {
		n += len(list)
	}
	return n
}

// Monitor logs one line per established socket: peer, attempt id and live
// channels.
func (m *ConnectionManager) Monitor() {
	m.mu.Lock()
	var socks []*mux.MultiplexedSocket
	for _, list := range m.ready {
		socks = append(socks, list...)
	}
	m.mu.Unlock()

	m.log.Info().Int("sockets", len(socks)).Msg("connection manager state")
	for _, sock := range socks {
		channels := sock.Channels()
		names := make([]string, 0, len(channels))
		for _, name := range channels {
			names = append(names, name)
		}
		m.log.Info().
			Str("peer", shortDevice(sock.Device())).
			Str("attempt", sock.ID().String()).
			Bool("initiator", sock.IsInitiator()).
			Int("channels", len(channels)).
			Strs("names", names).
			Time("last_beacon_ack", sock.LastBeaconAck()).
			Msg("active socket")
	}
}

// Shutdown cancels every pending negotiation, closes every socket and
// stops the DHT listener. Pending callbacks fire with ErrShutdown.
func (m *ConnectionManager) Shutdown() {
	m.closeOnce.Do(func() {
		close(m.closed)

		m.listenMu.Lock()
		if m.listening {
			m.cfg.Dht.CancelListen(m.listenToken)
			m.listening = false
		}
		m.listenMu.Unlock()

		m.mu.Lock()
		var pcs []*pendingContext
		for _, list := range m.connecting {
			pcs = append(pcs, list...)
		}
		var socks []*mux.MultiplexedSocket
		for _, list := range m.ready {
			socks = append(socks, list...)
		}
		m.mu.Unlock()

		for _, pc := range pcs {
			pc.fail(ErrShutdown)
		}
		for _, sock := range socks {
			sock.Close()
		}

		m.addrMu.Lock()
		mapping := m.gatewayMapping
		m.gatewayMapping = nil
		m.addrMu.Unlock()
		if mapping != nil && m.cfg.UpnpCtrl != nil {
			_ = m.cfg.UpnpCtrl.ReleaseMapping(mapping)
		}

		m.log.Debug().Msg("connection manager shut down")
	})
}

func (m *ConnectionManager) isShutdown() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// peerLock returns the per-device mutex serializing inbound offer
// handling and the associated callbacks.
func (m *ConnectionManager) peerLock(device identity.DeviceID) *sync.Mutex {
	m.peerMu.Lock()
	defer m.peerMu.Unlock()
	lk := m.peerLk[device]
	if lk == nil {
		lk = &sync.Mutex{}
		m.peerLk[device] = lk
	}
	return lk
}

// certKey is the DHT key a device's certificate is published under for
// fingerprint-only resolution.
func certKey(device identity.DeviceID) []byte {
	key := make([]byte, 0, 5+identity.DeviceIDSize)
	key = append(key, "cert:"...)
	return append(key, device[:]...)
}

// onceCallback wraps cb so it can only fire once, whatever path reaches
// it.
func onceCallback(cb ConnectCallback) ConnectCallback {
	if cb == nil {
		return func(*mux.ChannelSocket, identity.DeviceID, error) {}
	}
	var once sync.Once
	return func(ch *mux.ChannelSocket, device identity.DeviceID, err error) {
		once.Do(func() { cb(ch, device, err) })
	}
}

// gateChannel applies the channel-request callback for one socket's peer.
func (m *ConnectionManager) gateChannel(device identity.DeviceID, name string) bool {
	m.cbMu.Lock()
	cb := m.onChannelRequest
	m.cbMu.Unlock()
	if cb == nil {
		return true
	}
	cert := m.cfg.CertStore.Find(device)
	ok := cb(cert, name)
	if !ok {
		m.metrics.ChannelsDeclined.Inc()
	}
	return ok
}

// notifyConnectionReady surfaces an accepted inbound channel.
func (m *ConnectionManager) notifyConnectionReady(device identity.DeviceID, ch *mux.ChannelSocket) {
	m.metrics.ChannelsOpened.Inc()
	m.cbMu.Lock()
	cb := m.onConnectionReady
	m.cbMu.Unlock()
	if cb != nil {
		cb(device, ch.Name(), ch)
	}
}
