package connmgr

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tunnelmesh/peerconn/pkg/identity"
	"github.com/tunnelmesh/peerconn/pkg/mux"
	"github.com/tunnelmesh/peerconn/pkg/proto"
)

// connState is the negotiation state machine. FAILED is reachable from
// every non-terminal state; READY transfers ownership to the registry.
type connState int

const (
	stateResolvingCert connState = iota
	stateIceGathering
	stateSignaling
	stateIceNegotiating
	stateTlsHandshake
	stateReady
	stateFailed
)

func (s connState) String() string {
	switch s {
	case stateResolvingCert:
		return "resolving_cert"
	case stateIceGathering:
		return "ice_gathering"
	case stateSignaling:
		return "signaling"
	case stateIceNegotiating:
		return "ice_negotiating"
	case stateTlsHandshake:
		return "tls_handshake"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// channelWaiter is one ConnectDevice call attached to a negotiation: the
// requested channel name and the callback owed exactly one invocation.
type channelWaiter struct {
	name string
	cb   ConnectCallback
}

// pendingContext is one in-flight transport negotiation toward a device.
// At most one non-forced context exists per device; forced attempts run in
// parallel under their own attempt ids.
type pendingContext struct {
	cm        *ConnectionManager
	device    identity.DeviceID
	attempt   uuid.UUID
	requestID uint64
	connType  string
	forced    bool

	mu      sync.Mutex
	state   connState
	cert    *x509.Certificate
	waiters []channelWaiter
	done    bool
	yielded bool

	answerCh  chan *proto.SDP
	adoptedCh chan struct{}
	link      PendingLink
}

func newPendingContext(m *ConnectionManager, device identity.DeviceID, forced bool, connType string) *pendingContext {
	return &pendingContext{
		cm:        m,
		device:    device,
		attempt:   uuid.New(),
		requestID: proto.NewRequestID(),
		connType:  connType,
		forced:    forced,
		answerCh:  make(chan *proto.SDP, 1),
		adoptedCh: make(chan struct{}),
	}
}

func (pc *pendingContext) setState(s connState) {
	pc.mu.Lock()
	pc.state = s
	pc.mu.Unlock()
}

// addWaiter attaches one more channel request. Fails when the context
// already finished, in which case the caller must start over.
func (pc *pendingContext) addWaiter(name string, cb ConnectCallback) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.done {
		return false
	}
	pc.waiters = append(pc.waiters, channelWaiter{name: name, cb: cb})
	return true
}

func (pc *pendingContext) hasWaiter(name string) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, w := range pc.waiters {
		if w.name == name {
			return true
		}
	}
	return false
}

func (pc *pendingContext) certURI() string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.cert == nil {
		return ""
	}
	return identity.AccountURIOf(pc.cert)
}

// takeWaiters removes and returns all attached waiters; once taken they
// are owed their callback by the taker.
func (pc *pendingContext) takeWaiters() []channelWaiter {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	ws := pc.waiters
	pc.waiters = nil
	pc.done = true
	return ws
}

// yield marks the context beaten in a simultaneous-open tie-break. Its
// local offer is abandoned; the waiters stay attached for adoption by the
// socket the inbound negotiation produces.
func (pc *pendingContext) yield() {
	pc.mu.Lock()
	already := pc.yielded
	pc.yielded = true
	link := pc.link
	pc.mu.Unlock()
	if already {
		return
	}
	if link != nil {
		link.Abort()
	}
}

func (pc *pendingContext) isYielded() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.yielded
}

// adopt hands the context's waiters to a socket established by the other
// side of a simultaneous open. Stops the negotiation goroutine silently.
func (pc *pendingContext) adopt() []channelWaiter {
	ws := pc.takeWaiters()
	pc.setState(stateReady)
	select {
	case <-pc.adoptedCh:
	default:
		close(pc.adoptedCh)
	}
	pc.cm.removePending(pc)
	return ws
}

// fail finishes the context with an error: every waiter's callback fires
// with a nil channel, after the registry entry is gone.
func (pc *pendingContext) fail(err error) {
	ws := pc.takeWaiters()
	pc.setState(stateFailed)
	pc.cm.removePending(pc)

	if len(ws) > 0 {
		pc.cm.log.Debug().
			Str("peer", shortDevice(pc.device)).
			Str("attempt", pc.attempt.String()).
			Err(err).
			Msg("negotiation failed")
	}
	pc.cm.metrics.NegotiationsFailed.WithLabelValues(failReason(err)).Inc()
	for _, w := range ws {
		w.cb(nil, pc.device, err)
	}
}

// connect is the asynchronous body of ConnectDevice: resolve, reuse or
// negotiate, then open the channel.
func (m *ConnectionManager) connect(cert *x509.Certificate, device identity.DeviceID, name string, cb ConnectCallback, opts ConnectOptions) {
	if m.isShutdown() {
		cb(nil, device, ErrShutdown)
		return
	}

	if cert == nil {
		cert = m.resolveCertificate(device)
		if cert == nil {
			cb(nil, device, ErrUnknownPeer)
			return
		}
	} else {
		m.cfg.CertStore.Pin(cert)
	}

	m.mu.Lock()
	if !opts.ForceNewSocket {
		if sock := m.liveSocketLocked(device); sock != nil {
			m.mu.Unlock()
			m.openChannelOn(sock, device, name, cb)
			return
		}
		if opts.NoNewSocket {
			m.mu.Unlock()
			cb(nil, device, ErrNoExistingSocket)
			return
		}
		if pc := m.nonForcedPendingLocked(device); pc != nil {
			attached := pc.addWaiter(name, cb)
			m.mu.Unlock()
			if attached {
				return
			}
			// The context finished between lookup and attach; retry from
			// the top.
			m.connect(cert, device, name, cb, opts)
			return
		}
	} else if opts.NoNewSocket {
		m.mu.Unlock()
		cb(nil, device, ErrNoExistingSocket)
		return
	}

	pc := newPendingContext(m, device, opts.ForceNewSocket, opts.ConnType)
	pc.cert = cert
	pc.waiters = []channelWaiter{{name: name, cb: cb}}
	m.connecting[device] = append(m.connecting[device], pc)
	m.mu.Unlock()

	m.metrics.NegotiationsStarted.Inc()
	m.negotiate(pc)
}

// resolveCertificate finds the device certificate locally or fetches it
// from the DHT within the resolution timeout.
func (m *ConnectionManager) resolveCertificate(device identity.DeviceID) *x509.Certificate {
	if cert := m.cfg.CertStore.Find(device); cert != nil {
		return cert
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CertResolutionTimeout)
	defer cancel()

	found := make(chan *x509.Certificate, 1)
	m.cfg.Dht.Get(ctx, certKey(device), func(value []byte) bool {
		cert, err := x509.ParseCertificate(value)
		if err != nil || identity.DeviceIDOf(cert) != device {
			return true
		}
		select {
		case found <- cert:
		default:
		}
		return false
	}, nil)

	select {
	case cert := <-found:
		m.cfg.CertStore.Pin(cert)
		return cert
	case <-ctx.Done():
		return nil
	case <-m.closed:
		return nil
	}
}

// negotiate drives an outgoing context through the state machine:
// gather, signal over the DHT, run ICE, then the TLS handshake.
func (m *ConnectionManager) negotiate(pc *pendingContext) {
	log := m.log.With().Str("peer", shortDevice(pc.device)).Str("attempt", pc.attempt.String()[:8]).Logger()

	pc.setState(stateIceGathering)
	gatherCtx, cancel := context.WithTimeout(context.Background(), m.cfg.IceTimeout)
	link, err := m.linker.NewLink(gatherCtx, LinkOptions{
		Initiator: true,
		Expected:  pc.device,
		Ice:       m.IceOptions(true),
	})
	cancel()
	if err != nil {
		pc.fail(fmt.Errorf("%w: %v", ErrIceFailed, err))
		return
	}
	pc.mu.Lock()
	pc.link = link
	yielded := pc.yielded
	pc.mu.Unlock()
	if yielded {
		link.Abort()
		return
	}

	sdp, err := link.LocalSDP()
	if err != nil {
		link.Abort()
		pc.fail(fmt.Errorf("%w: %v", ErrIceFailed, err))
		return
	}

	pc.setState(stateSignaling)
	if err := m.publishRequest(pc, sdp); err != nil {
		link.Abort()
		pc.fail(err)
		return
	}

	var remote *proto.SDP
	select {
	case remote = <-pc.answerCh:
	case <-time.After(m.cfg.SignalingTimeout):
		link.Abort()
		pc.fail(ErrNegotiationTimeout)
		return
	case <-pc.adoptedCh:
		// Lost the simultaneous-open tie-break; the inbound negotiation
		// owns the waiters now.
		link.Abort()
		return
	case <-m.closed:
		link.Abort()
		pc.fail(ErrShutdown)
		return
	}

	pc.setState(stateIceNegotiating)
	log.Debug().Msg("answer received, starting ice")
	establishCtx, cancel := context.WithTimeout(context.Background(), m.cfg.IceTimeout+m.cfg.TlsTimeout)
	established, err := link.Establish(establishCtx, remote)
	cancel()
	if err != nil {
		pc.fail(err)
		return
	}

	pc.mu.Lock()
	finished := pc.done
	pc.mu.Unlock()
	if finished {
		// The waiters were adopted by a socket the inbound path
		// installed while we were negotiating; this link is surplus.
		established.Conn.Close()
		return
	}

	pc.setState(stateReady)
	sock := m.installSocket(established, pc)
	log.Debug().Str("socket", sock.ID().String()[:8]).Msg("outgoing socket established")
}

// publishRequest seals the offer to the peer's key and puts it on the
// peer's rendezvous key, retrying transient faults.
func (m *ConnectionManager) publishRequest(pc *pendingContext, sdp *proto.SDP) error {
	pc.mu.Lock()
	cert := pc.cert
	pc.mu.Unlock()

	iceMsg, err := sdp.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIceFailed, err)
	}
	req := &proto.PeerConnectionRequest{
		ID:       pc.requestID,
		IceMsg:   iceMsg,
		IsAnswer: false,
		ConnType: pc.connType,
	}
	payload, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	sealed, err := identity.SealEnvelope(m.cfg.ID, cert, payload)
	if err != nil {
		return fmt.Errorf("seal request: %w", err)
	}

	key := proto.ListenKey(identity.InfoHashOf(cert))
	return m.putWithRetry(key, sealed)
}

// putWithRetry performs a DHT put, retrying transient failures a bounded
// number of times within the signaling window.
func (m *ConnectionManager) putWithRetry(key, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SignalingTimeout)
	defer cancel()

	var lastErr error = ErrNegotiationTimeout
	for attempt := 0; attempt < m.cfg.DhtRetries; attempt++ {
		result := make(chan bool, 1)
		m.cfg.Dht.Put(ctx, key, value, func(ok bool) { result <- ok })

		select {
		case ok := <-result:
			if ok {
				return nil
			}
			lastErr = errors.New("dht put rejected")
		case <-ctx.Done():
			return ErrNegotiationTimeout
		case <-m.closed:
			return ErrShutdown
		}

		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ErrNegotiationTimeout
		}
	}
	return fmt.Errorf("%w: %v", ErrNegotiationTimeout, lastErr)
}

// liveSocketLocked returns a usable established socket for the device.
// Caller holds m.mu.
func (m *ConnectionManager) liveSocketLocked(device identity.DeviceID) *mux.MultiplexedSocket {
	for _, sock := range m.ready[device] {
		if !sock.IsClosed() {
			return sock
		}
	}
	return nil
}

// nonForcedPendingLocked returns the single attachable pending context for
// the device, if any. Caller holds m.mu.
func (m *ConnectionManager) nonForcedPendingLocked(device identity.DeviceID) *pendingContext {
	for _, pc := range m.connecting[device] {
		if !pc.forced {
			return pc
		}
	}
	return nil
}

// removePending drops a context from the registry.
func (m *ConnectionManager) removePending(pc *pendingContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.connecting[pc.device]
	for i, other := range list {
		if other == pc {
			m.connecting[pc.device] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.connecting[pc.device]) == 0 {
		delete(m.connecting, pc.device)
	}
}

// installSocket wraps an established link in a multiplexed socket,
// registers it and drains every waiter attached to the originating
// context plus any contexts that yielded to this connection.
func (m *ConnectionManager) installSocket(link *Link, origin *pendingContext) *mux.MultiplexedSocket {
	device := identity.DeviceIDOf(link.PeerCert)

	var sock *mux.MultiplexedSocket
	sock = mux.New(link.Conn, device, link.Initiator, mux.Config{
		BeaconInterval: m.cfg.BeaconInterval,
		BeaconTimeout:  m.cfg.BeaconTimeout,
		OpenTimeout:    m.cfg.OpenTimeout,
		HighWater:      int(m.cfg.HighWater),
		LowWater:       int(m.cfg.LowWater),
		MaxFrameSize:   int(m.cfg.MaxFrameSize),
		AcceptChannel: func(name string) bool {
			return m.gateChannel(device, name)
		},
		OnChannelReady: func(ch *mux.ChannelSocket) {
			m.notifyConnectionReady(device, ch)
		},
		OnShutdown: func(err error) {
			if errors.Is(err, mux.ErrBeaconTimeout) {
				m.metrics.BeaconTimeouts.Inc()
			}
			m.removeSocket(device, sock)
		},
		Logger: &m.log,
	})

	var adopted []channelWaiter
	if origin != nil {
		adopted = append(adopted, origin.takeWaiters()...)
		origin.setState(stateReady)
		m.removePending(origin)
	}

	m.mu.Lock()
	m.ready[device] = append(m.ready[device], sock)
	// Every non-forced pending context rides on this socket: contexts
	// that lost the simultaneous-open tie-break, and ones racing the
	// inbound negotiation. A pending context may only coexist with a
	// ready socket when the caller forced a parallel one.
	var absorbed []*pendingContext
	for _, pc := range m.connecting[device] {
		if !pc.forced {
			absorbed = append(absorbed, pc)
		}
	}
	m.mu.Unlock()
	m.metrics.SocketsActive.Inc()

	for _, pc := range absorbed {
		adopted = append(adopted, pc.adopt()...)
	}
	for _, w := range adopted {
		m.openChannelOn(sock, device, w.name, w.cb)
	}
	return sock
}

// removeSocket forgets a dead socket.
func (m *ConnectionManager) removeSocket(device identity.DeviceID, sock *mux.MultiplexedSocket) {
	m.mu.Lock()
	list := m.ready[device]
	for i, other := range list {
		if other == sock {
			m.ready[device] = append(list[:i], list[i+1:]...)
			m.metrics.SocketsActive.Dec()
			break
		}
	}
	if len(m.ready[device]) == 0 {
		delete(m.ready, device)
	}
	m.mu.Unlock()
}

// openChannelOn opens the named channel on an established socket and
// reports through cb with the package error taxonomy.
func (m *ConnectionManager) openChannelOn(sock *mux.MultiplexedSocket, device identity.DeviceID, name string, cb ConnectCallback) {
	go func() {
		ch, err := sock.OpenChannel(context.Background(), name)
		if err == nil {
			m.metrics.ChannelsOpened.Inc()
			cb(ch, device, nil)
			return
		}
		switch {
		case errors.Is(err, mux.ErrChannelDeclined):
			m.metrics.ChannelsDeclined.Inc()
			cb(nil, device, fmt.Errorf("%w: channel %q", ErrPeerDeclined, name))
		case errors.Is(err, mux.ErrSocketClosed):
			cb(nil, device, ErrTransportClosed)
		case errors.Is(err, context.DeadlineExceeded):
			cb(nil, device, ErrNegotiationTimeout)
		default:
			cb(nil, device, fmt.Errorf("%w: %v", ErrTransportClosed, err))
		}
	}()
}
