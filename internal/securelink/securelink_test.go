package securelink

import (
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/peerconn/pkg/certstore"
	"github.com/tunnelmesh/peerconn/pkg/identity"
)

// packetPipe is an in-process datagram pipe: every Write arrives as one
// Read on the peer, buffered so handshake flights never deadlock.
func packetPipe() (net.Conn, net.Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &packetConn{in: ba, out: ab, local: make(chan struct{}), remote: make(chan struct{})}
	b := &packetConn{in: ab, out: ba, local: a.remote, remote: a.local}
	return a, b
}

type packetConn struct {
	in     chan []byte
	out    chan []byte
	local  chan struct{} // closed on our Close
	remote chan struct{} // closed on peer Close

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

func (c *packetConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

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

type handshakeResult struct {
	sess *Session
	err  error
}

func runHandshake(aCfg, bCfg Config) (a, b handshakeResult) {
	ca, cb := packetPipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.sess, a.err = Handshake(ctx, ca, aCfg)
	}()
	go func() {
		defer wg.Done()
		b.sess, b.err = Handshake(ctx, cb, bCfg)
	}()
	wg.Wait()
	return a, b
}

func testConfig(t *testing.T, uri string, client bool) Config {
	t.Helper()
	id, err := identity.Generate(uri)
	require.NoError(t, err)
	return Config{
		Identity: id,
		Store:    certstore.NewMemoryStore(),
		Client:   client,
		Logger:   zerolog.Nop(),
	}
}

func TestHandshake_MutualAuth(t *testing.T) {
	aCfg := testConfig(t, "alice", true)
	bCfg := testConfig(t, "bob", false)
	aCfg.Expected = bCfg.Identity.DeviceID()
	bCfg.Expected = aCfg.Identity.DeviceID()

	a, b := runHandshake(aCfg, bCfg)
	require.NoError(t, a.err)
	require.NoError(t, b.err)

	assert.Equal(t, bCfg.Identity.DeviceID(), a.sess.PeerDevice())
	assert.Equal(t, aCfg.Identity.DeviceID(), b.sess.PeerDevice())
	assert.True(t, a.sess.Client)
	assert.False(t, b.sess.Client)

	// Both stores pinned the peer.
	assert.NotNil(t, aCfg.Store.Find(bCfg.Identity.DeviceID()))
	assert.NotNil(t, bCfg.Store.Find(aCfg.Identity.DeviceID()))

	// The authenticated conn carries data both ways.
	msg := []byte("over dtls")
	_, err := a.sess.Conn.Write(msg)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := b.sess.Conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf[:n])

	a.sess.Conn.Close()
	b.sess.Conn.Close()
}

func TestHandshake_IdentityMismatch(t *testing.T) {
	aCfg := testConfig(t, "alice", true)
	bCfg := testConfig(t, "bob", false)

	// Alice expects a different device than the one answering.
	wrong, err := identity.Generate("mallory")
	require.NoError(t, err)
	aCfg.Expected = wrong.DeviceID()
	bCfg.Expected = aCfg.Identity.DeviceID()

	a, _ := runHandshake(aCfg, bCfg)
	require.Error(t, a.err)
	assert.ErrorIs(t, a.err, ErrIdentityMismatch)
}

func TestHandshake_AnyVerifiedPeer(t *testing.T) {
	// A zero Expected accepts any peer that passes the trust policy; the
	// responder side uses this before it knows who is dialing.
	aCfg := testConfig(t, "alice", true)
	bCfg := testConfig(t, "bob", false)
	aCfg.Expected = bCfg.Identity.DeviceID()

	a, b := runHandshake(aCfg, bCfg)
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, aCfg.Identity.DeviceID(), b.sess.PeerDevice())
}
