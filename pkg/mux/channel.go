package mux

import (
	"io"
	"runtime"
	"sync"

	"github.com/tunnelmesh/peerconn/pkg/identity"
)

// channelState is the socket-owned body of one logical channel. The
// MultiplexedSocket's channel table references states, never handles, so a
// handle dropped by the application stays collectable and its finalizer can
// close the channel toward the peer.
type channelState struct {
	sock *MultiplexedSocket // back-reference, non-owning
	id   uint16
	name string

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte // received payloads, oldest first
	buffered int      // bytes across queue
	closed   bool
	closeErr error

	onShutdown func()
	notified   bool
}

func newChannelState(s *MultiplexedSocket, id uint16, name string) *channelState {
	st := &channelState{sock: s, id: id, name: name}
	st.cond = sync.NewCond(&st.mu)
	return st
}

// push enqueues one received payload. Frames arriving after close are
// dropped. Returns the channel's buffered size for flow-control checks.
func (st *channelState) push(payload []byte) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return st.buffered
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	st.queue = append(st.queue, data)
	st.buffered += len(data)
	st.cond.Broadcast()
	return st.buffered
}

// waitDrain blocks while the channel holds more than limit buffered bytes.
// The demultiplexer calls this after pushing past the high-water mark.
func (st *channelState) waitDrain(limit int) {
	st.mu.Lock()
	for st.buffered > limit && !st.closed {
		st.cond.Wait()
	}
	st.mu.Unlock()
}

func (st *channelState) read(p []byte) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for len(st.queue) == 0 {
		if st.closed {
			if st.closeErr != nil {
				return 0, st.closeErr
			}
			return 0, io.EOF
		}
		st.cond.Wait()
	}

	n := copy(p, st.queue[0])
	if n == len(st.queue[0]) {
		st.queue = st.queue[1:]
	} else {
		st.queue[0] = st.queue[0][n:]
	}
	st.buffered -= n
	st.cond.Broadcast()
	return n, nil
}

// shutdown marks the channel closed and wakes readers. Buffered data stays
// readable when err is nil (remote close); an error discards nothing but is
// surfaced once the queue drains. The on-shutdown callback fires once,
// outside the lock.
func (st *channelState) shutdown(err error) {
	st.mu.Lock()
	if st.closed && st.notified {
		st.mu.Unlock()
		return
	}
	st.closed = true
	if st.closeErr == nil {
		st.closeErr = err
	}
	cb := st.onShutdown
	notify := !st.notified
	st.notified = true
	st.cond.Broadcast()
	st.mu.Unlock()

	if notify && cb != nil {
		cb()
	}
}

// ChannelSocket is the application handle for one logical byte stream
// multiplexed on an authenticated transport. Handles are thin: dropping the
// last one without Close still emits the close notification to the peer via
// a finalizer, though calling Close remains the prompt way to do it.
type ChannelSocket struct {
	st *channelState
}

func newChannelSocket(st *channelState) *ChannelSocket {
	ch := &ChannelSocket{st: st}
	runtime.SetFinalizer(ch, func(h *ChannelSocket) { h.st.sock.closeChannel(h.st, nil) })
	return ch
}

// Read copies received bytes into p, blocking until data arrives or the
// channel closes. After a clean remote close, buffered data drains before
// io.EOF.
func (c *ChannelSocket) Read(p []byte) (int, error) {
	return c.st.read(p)
}

// Write sends bytes to the peer, splitting into frames as needed. Frames
// from concurrent writers do not interleave within a frame.
func (c *ChannelSocket) Write(p []byte) (int, error) {
	return c.st.sock.writeChannel(c.st, p)
}

// Close notifies the peer and removes the channel from the parent socket.
// Idempotent.
func (c *ChannelSocket) Close() error {
	runtime.SetFinalizer(c, nil)
	return c.st.sock.closeChannel(c.st, nil)
}

// SetOnShutdown registers the callback fired once when the channel dies for
// any reason. A channel that is already down fires the callback
// immediately.
func (c *ChannelSocket) SetOnShutdown(cb func()) {
	st := c.st
	st.mu.Lock()
	if st.notified {
		st.mu.Unlock()
		if cb != nil {
			cb()
		}
		return
	}
	st.onShutdown = cb
	st.mu.Unlock()
}

// SetOnReady registers a readiness callback. Channels surfaced by this
// implementation are created at acceptance time and are ready from birth,
// so the callback fires immediately unless the channel already died.
func (c *ChannelSocket) SetOnReady(cb func()) {
	st := c.st
	st.mu.Lock()
	dead := st.closed
	st.mu.Unlock()
	if !dead && cb != nil {
		cb()
	}
}

// ID returns the channel id, unique within the parent socket.
func (c *ChannelSocket) ID() uint16 { return c.st.id }

// Name returns the channel name requested at open time.
func (c *ChannelSocket) Name() string { return c.st.name }

// Device returns the authenticated remote device.
func (c *ChannelSocket) Device() identity.DeviceID { return c.st.sock.Device() }

// IsClosed reports whether the channel is down.
func (c *ChannelSocket) IsClosed() bool {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.closed
}
