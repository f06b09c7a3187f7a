package connmgr

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/peerconn/internal/securelink"
	"github.com/tunnelmesh/peerconn/pkg/certstore"
	"github.com/tunnelmesh/peerconn/pkg/identity"
	"github.com/tunnelmesh/peerconn/pkg/proto"
)

// memoryLinkNetwork replaces ICE with an in-process packet network. The
// SDP ufrag doubles as the rendezvous token: both sides of a negotiation
// derive the same pair key from the two ufrags and meet on a buffered
// packet pipe. The DTLS authentication layer on top is the production
// code.
type memoryLinkNetwork struct {
	mu      sync.Mutex
	meeting map[string]chan net.Conn
	frozen  map[identity.DeviceID]*atomic.Bool
}

func newMemoryLinkNetwork() *memoryLinkNetwork {
	return &memoryLinkNetwork{
		meeting: make(map[string]chan net.Conn),
		frozen:  make(map[identity.DeviceID]*atomic.Bool),
	}
}

// linkerFor creates the Linker one manager plugs into its config.
func (n *memoryLinkNetwork) linkerFor(id *identity.Identity, store certstore.Store) Linker {
	return &memoryLinker{net: n, id: id, store: store}
}

// freeze makes every conn owned by the device stop delivering I/O,
// simulating a peer whose machine went silent mid-connection.
func (n *memoryLinkNetwork) freeze(device identity.DeviceID) {
	n.flagFor(device).Store(true)
}

func (n *memoryLinkNetwork) flagFor(device identity.DeviceID) *atomic.Bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	f := n.frozen[device]
	if f == nil {
		f = &atomic.Bool{}
		n.frozen[device] = f
	}
	return f
}

// meet returns one end of the pipe shared by the two ufrags; the first
// arrival creates it, the second collects the other end.
func (n *memoryLinkNetwork) meet(ctx context.Context, local, remote string) (net.Conn, error) {
	pair := []string{local, remote}
	sort.Strings(pair)
	key := pair[0] + "|" + pair[1]

	n.mu.Lock()
	ch, ok := n.meeting[key]
	if !ok {
		ch = make(chan net.Conn, 1)
		n.meeting[key] = ch
		n.mu.Unlock()
		c1, c2 := packetPipe()
		ch <- c2
		return c1, nil
	}
	n.mu.Unlock()

	select {
	case conn := <-ch:
		n.mu.Lock()
		delete(n.meeting, key)
		n.mu.Unlock()
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryLinker struct {
	net   *memoryLinkNetwork
	id    *identity.Identity
	store certstore.Store
}

func (l *memoryLinker) NewLink(_ context.Context, opts LinkOptions) (PendingLink, error) {
	return &memoryPendingLink{
		linker: l,
		opts:   opts,
		ufrag:  uuid.NewString(),
	}, nil
}

type memoryPendingLink struct {
	linker *memoryLinker
	opts   LinkOptions
	ufrag  string

	mu      sync.Mutex
	aborted bool
	conn    net.Conn
}

func (p *memoryPendingLink) LocalSDP() (*proto.SDP, error) {
	return &proto.SDP{
		Ufrag:      p.ufrag,
		Pwd:        "memory",
		Candidates: []string{"candidate:0 1 udp 2130706431 127.0.0.1 1 typ host"},
	}, nil
}

func (p *memoryPendingLink) Establish(ctx context.Context, remote *proto.SDP) (*Link, error) {
	p.mu.Lock()
	if p.aborted {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: link aborted", ErrIceFailed)
	}
	p.mu.Unlock()

	raw, err := p.linker.net.meet(ctx, p.ufrag, remote.Ufrag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIceFailed, err)
	}
	conn := &freezableConn{Conn: raw, frozen: p.linker.net.flagFor(p.linker.id.DeviceID())}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	sess, err := securelink.Handshake(ctx, conn, securelink.Config{
		Identity: p.linker.id,
		Store:    p.linker.store,
		Expected: p.opts.Expected,
		Client:   p.opts.Initiator,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTlsFailed, err)
	}
	return &Link{Conn: sess.Conn, PeerCert: sess.PeerCert, Initiator: p.opts.Initiator}, nil
}

func (p *memoryPendingLink) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = true
	if p.conn != nil {
		p.conn.Close()
	}
}

// freezableConn swallows writes and stalls reads while its owner is
// frozen, without surfacing errors: exactly what a silently dead peer
// looks like.
type freezableConn struct {
	net.Conn
	frozen *atomic.Bool
}

func (c *freezableConn) Read(p []byte) (int, error) {
	for {
		n, err := c.Conn.Read(p)
		if err != nil {
			return n, err
		}
		if !c.frozen.Load() {
			return n, nil
		}
		// Frozen: drop the datagram and keep waiting.
	}
}

func (c *freezableConn) Write(p []byte) (int, error) {
	if c.frozen.Load() {
		return len(p), nil
	}
	return c.Conn.Write(p)
}

// packetPipe is an in-process datagram pipe: one Write, one Read, with
// enough buffering that concurrent handshake flights cannot deadlock.
func packetPipe() (net.Conn, net.Conn) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	a := &packetConn{in: ba, out: ab, local: make(chan struct{}), remote: make(chan struct{})}
	b := &packetConn{in: ab, out: ba, local: a.remote, remote: a.local}
	return a, b
}

type packetConn struct {
	in     chan []byte
	out    chan []byte
	local  chan struct{}
	remote chan struct{}

	mu        sync.Mutex
	closeOnce sync.Once
	rdeadline time.Time
}

func (c *packetConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	deadline := c.rdeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case msg := <-c.in:
		return copy(p, msg), nil
	default:
	}
	select {
	case msg := <-c.in:
		return copy(p, msg), nil
	case <-c.local:
		return 0, net.ErrClosed
	case <-c.remote:
		return 0, net.ErrClosed
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

func (c *packetConn) Write(p []byte) (int, error) {
	msg := make([]byte, len(p))
	copy(msg, p)
	select {
	case c.out <- msg:
		return len(p), nil
	case <-c.local:
		return 0, net.ErrClosed
	case <-c.remote:
		return 0, net.ErrClosed
	}
}

func (c *packetConn) Close() error {
	c.closeOnce.Do(func() { close(c.local) })
	return nil
}

func (c *packetConn) LocalAddr() net.Addr  { return pipeAddr{} }
func (c *packetConn) RemoteAddr() net.Addr { return pipeAddr{} }

func (c *packetConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *packetConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rdeadline = t
	return nil
}

func (c *packetConn) SetWriteDeadline(time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
