// Package mux implements the framed channel multiplexer that shares one
// authenticated transport among many logical streams. Frames are
// varint-length-prefixed; channel 0 carries CBOR control messages (channel
// open/accept/reject/close and liveness beacons).
package mux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/peerconn/pkg/identity"
)

// ErrSocketClosed is returned by operations on a dead socket and surfaced
// to channels when the transport dies underneath them.
var ErrSocketClosed = errors.New("mux: socket closed")

// ErrChannelDeclined is returned when the peer rejects a channel open.
var ErrChannelDeclined = errors.New("mux: channel declined by peer")

// ErrBeaconTimeout is the shutdown cause when the peer stops answering
// beacons.
var ErrBeaconTimeout = errors.New("mux: beacon timeout")

// ErrChannelClosed is returned by writes on a channel that is already
// down.
var ErrChannelClosed = errors.New("mux: channel closed")

// Config tunes one multiplexed socket. The zero value is usable; Validate
// fills defaults.
type Config struct {
	// BeaconInterval is the period of liveness beacons on the control
	// channel.
	BeaconInterval time.Duration
	// BeaconTimeout bounds the wait for a beacon ack. Clamped to at most
	// BeaconInterval so a dead peer is detected within two intervals.
	BeaconTimeout time.Duration
	// OpenTimeout bounds a channel open awaiting the remote verdict.
	OpenTimeout time.Duration
	// HighWater pauses the demultiplexer when one channel buffers more
	// than this many bytes.
	HighWater int
	// LowWater resumes the demultiplexer once the blocking channel drains
	// below this.
	LowWater int
	// MaxFrameSize caps one frame's payload; larger writes are split.
	MaxFrameSize int

	// AcceptChannel gates inbound channel opens. Nil accepts everything.
	AcceptChannel func(name string) bool
	// OnChannelReady surfaces an accepted inbound channel.
	OnChannelReady func(*ChannelSocket)
	// OnShutdown fires once when the socket dies; err is nil for a local
	// Close.
	OnShutdown func(err error)

	// Logger overrides the package-global logger when non-nil.
	Logger *zerolog.Logger
}

// Validate applies defaults.
func (c *Config) Validate() {
	if c.BeaconInterval <= 0 {
		c.BeaconInterval = 30 * time.Second
	}
	if c.BeaconTimeout <= 0 {
		c.BeaconTimeout = 10 * time.Second
	}
	if c.BeaconTimeout > c.BeaconInterval {
		c.BeaconTimeout = c.BeaconInterval
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.HighWater <= 0 {
		c.HighWater = 64 * 1024
	}
	if c.LowWater <= 0 || c.LowWater >= c.HighWater {
		c.LowWater = c.HighWater / 4
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 16 * 1024
	}
}

// MultiplexedSocket owns one authenticated transport and the channels
// multiplexed on it. The initiator side allocates odd channel ids, the
// responder even ones, so the two id spaces never collide.
type MultiplexedSocket struct {
	conn      net.Conn
	device    identity.DeviceID
	initiator bool
	id        uuid.UUID
	cfg       Config
	log       zerolog.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	channels      map[uint16]*channelState
	pendingByID   map[uint16]*pendingOpen
	pendingByName map[string]int // open requests in flight per name
	nextID        uint16

	beaconMu      sync.Mutex
	beaconWaiters []chan struct{}
	lastBeaconAck time.Time

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

type pendingOpen struct {
	id     uint16
	name   string
	result chan openResult
}

type openResult struct {
	st     *channelState
	reason string
	err    error
}

// New wraps an authenticated transport in a multiplexed socket and starts
// its reader and beacon loops. device is the authenticated remote;
// initiator selects the odd id space.
func New(conn net.Conn, device identity.DeviceID, initiator bool, cfg Config) *MultiplexedSocket {
	cfg.Validate()
	s := &MultiplexedSocket{
		conn:          conn,
		device:        device,
		initiator:     initiator,
		id:            uuid.New(),
		cfg:           cfg,
		channels:      make(map[uint16]*channelState),
		pendingByID:   make(map[uint16]*pendingOpen),
		pendingByName: make(map[string]int),
		closed:        make(chan struct{}),
	}
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	s.log = base.With().Str("socket", s.id.String()[:8]).Logger()
	if initiator {
		s.nextID = 1
	} else {
		s.nextID = 2
	}

	go s.readLoop()
	go s.beaconLoop()
	return s
}

// Device returns the authenticated remote device.
func (s *MultiplexedSocket) Device() identity.DeviceID { return s.device }

// IsInitiator reports which side of the negotiation this socket is.
func (s *MultiplexedSocket) IsInitiator() bool { return s.initiator }

// ID returns the socket's attempt identifier used in logs and monitoring.
func (s *MultiplexedSocket) ID() uuid.UUID { return s.id }

// IsClosed reports whether the socket is dead.
func (s *MultiplexedSocket) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// OpenChannel opens a named channel, blocking until the peer accepts or
// rejects, ctx expires, or the socket dies.
func (s *MultiplexedSocket) OpenChannel(ctx context.Context, name string) (*ChannelSocket, error) {
	if s.IsClosed() {
		return nil, ErrSocketClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	defer cancel()

	s.mu.Lock()
	id, err := s.allocIDLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	po := &pendingOpen{id: id, name: name, result: make(chan openResult, 1)}
	s.pendingByID[id] = po
	s.pendingByName[name]++
	s.mu.Unlock()

	msg := &controlMessage{Kind: kindChannelOpen, Channel: id, Name: name}
	if err := s.sendControl(msg); err != nil {
		s.dropPending(po)
		return nil, err
	}

	select {
	case res := <-po.result:
		if res.err != nil {
			return nil, res.err
		}
		if res.st == nil {
			if res.reason != "" {
				return nil, fmt.Errorf("%w: %s", ErrChannelDeclined, res.reason)
			}
			return nil, ErrChannelDeclined
		}
		return newChannelSocket(res.st), nil
	case <-ctx.Done():
		s.dropPending(po)
		return nil, fmt.Errorf("open channel %q: %w", name, ctx.Err())
	case <-s.closed:
		s.dropPending(po)
		return nil, ErrSocketClosed
	}
}

// IsOpening reports whether a channel open with the given name is awaiting
// the remote verdict.
func (s *MultiplexedSocket) IsOpening(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingByName[name] > 0
}

// Channels returns a snapshot of live channels as (id, name) pairs for
// monitoring.
func (s *MultiplexedSocket) Channels() map[uint16]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint16]string, len(s.channels))
	for id, st := range s.channels {
		out[id] = st.name
	}
	return out
}

// LastBeaconAck returns when the peer last answered a beacon.
func (s *MultiplexedSocket) LastBeaconAck() time.Time {
	s.beaconMu.Lock()
	defer s.beaconMu.Unlock()
	return s.lastBeaconAck
}

// SendBeacon emits one beacon and waits for the ack. Used by the periodic
// loop and by connectivity-change probing; a failure means the peer is
// unreachable and the caller tears the socket down.
func (s *MultiplexedSocket) SendBeacon(ctx context.Context) error {
	waiter := make(chan struct{})
	s.beaconMu.Lock()
	s.beaconWaiters = append(s.beaconWaiters, waiter)
	s.beaconMu.Unlock()

	if err := s.sendControl(&controlMessage{Kind: kindBeacon}); err != nil {
		return err
	}
	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrBeaconTimeout, ctx.Err())
	case <-s.closed:
		return ErrSocketClosed
	}
}

// Close tears down the socket and every channel on it.
func (s *MultiplexedSocket) Close() error {
	s.shutdown(nil)
	return nil
}

// Shutdown tears down the socket, reporting err as the cause to channels
// and the shutdown callback.
func (s *MultiplexedSocket) Shutdown(err error) {
	s.shutdown(err)
}

// allocIDLocked returns the next free channel id in this side's parity
// space. Caller holds s.mu.
func (s *MultiplexedSocket) allocIDLocked() (uint16, error) {
	for range maxChannelID {
		id := s.nextID
		s.nextID += 2 // wraps within the same parity space
		if id == ControlChannel {
			continue
		}
		if _, busy := s.channels[id]; busy {
			continue
		}
		if _, busy := s.pendingByID[id]; busy {
			continue
		}
		return id, nil
	}
	return 0, fmt.Errorf("mux: channel id space exhausted")
}

func (s *MultiplexedSocket) dropPending(po *pendingOpen) {
	s.mu.Lock()
	if _, ok := s.pendingByID[po.id]; ok {
		delete(s.pendingByID, po.id)
		s.decPendingNameLocked(po.name)
	}
	s.mu.Unlock()
}

func (s *MultiplexedSocket) decPendingNameLocked(name string) {
	if n := s.pendingByName[name]; n <= 1 {
		delete(s.pendingByName, name)
	} else {
		s.pendingByName[name] = n - 1
	}
}

// writeChannel frames and sends channel payload bytes, splitting at the
// frame size cap. Each frame is emitted atomically and frames of one call
// stay in order.
func (s *MultiplexedSocket) writeChannel(st *channelState, p []byte) (int, error) {
	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if closed {
		return 0, ErrChannelClosed
	}

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > s.cfg.MaxFrameSize {
			chunk = chunk[:s.cfg.MaxFrameSize]
		}
		if err := s.writeFrame(st.id, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (s *MultiplexedSocket) writeFrame(channel uint16, payload []byte) error {
	if s.IsClosed() {
		return ErrSocketClosed
	}
	frame := appendFrame(make([]byte, 0, len(payload)+10), channel, payload)

	s.writeMu.Lock()
	_, err := s.conn.Write(frame)
	s.writeMu.Unlock()
	if err != nil {
		s.shutdown(fmt.Errorf("transport write: %w", err))
		return ErrSocketClosed
	}
	return nil
}

func (s *MultiplexedSocket) sendControl(msg *controlMessage) error {
	payload, err := msg.marshal()
	if err != nil {
		return fmt.Errorf("encode control message: %w", err)
	}
	return s.writeFrame(ControlChannel, payload)
}

// closeChannel emits channel_close and removes the channel locally.
// Subsequent frames for the id are dropped by the demultiplexer. Reached
// from ChannelSocket.Close and from the handle finalizer.
func (s *MultiplexedSocket) closeChannel(st *channelState, cause error) error {
	s.mu.Lock()
	_, live := s.channels[st.id]
	delete(s.channels, st.id)
	s.mu.Unlock()

	if live && !s.IsClosed() {
		// Best effort: the peer may already be gone.
		_ = s.sendControl(&controlMessage{Kind: kindChannelClose, Channel: st.id})
	}
	st.shutdown(cause)
	return nil
}

// readLoop is the socket's single reader. Any transport or decode error
// tears the whole socket down.
func (s *MultiplexedSocket) readLoop() {
	dec := frameDecoder{max: s.cfg.MaxFrameSize}
	buf := make([]byte, 64*1024)

	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			dec.push(buf[:n])
			if err2 := s.dispatchFrames(&dec); err2 != nil {
				s.shutdown(err2)
				return
			}
		}
		if err != nil {
			s.shutdown(fmt.Errorf("transport read: %w", err))
			return
		}
	}
}

func (s *MultiplexedSocket) dispatchFrames(dec *frameDecoder) error {
	for {
		channel, payload, ok, err := dec.next()
		if err != nil {
			return fmt.Errorf("frame decode: %w", err)
		}
		if !ok {
			return nil
		}
		if channel == ControlChannel {
			if err := s.handleControl(payload); err != nil {
				return err
			}
			continue
		}

		s.mu.Lock()
		st := s.channels[channel]
		s.mu.Unlock()
		if st == nil {
			// Data for a closed or never-open channel may legally arrive
			// after a close races a write.
			s.log.Debug().Uint16("channel", channel).Msg("dropping frame for unknown channel")
			continue
		}
		if st.push(payload) > s.cfg.HighWater {
			st.waitDrain(s.cfg.LowWater)
		}
	}
}

func (s *MultiplexedSocket) handleControl(payload []byte) error {
	msg, err := parseControl(payload)
	if err != nil {
		return err
	}

	switch msg.Kind {
	case kindChannelOpen:
		s.handleChannelOpen(msg)
	case kindChannelAccept, kindChannelReject:
		s.handleOpenVerdict(msg)
	case kindChannelClose:
		s.mu.Lock()
		st := s.channels[msg.Channel]
		delete(s.channels, msg.Channel)
		s.mu.Unlock()
		if st != nil {
			st.shutdown(nil)
		}
	case kindBeacon:
		return s.sendControl(&controlMessage{Kind: kindBeaconAck})
	case kindBeaconAck:
		s.beaconMu.Lock()
		s.lastBeaconAck = time.Now()
		waiters := s.beaconWaiters
		s.beaconWaiters = nil
		s.beaconMu.Unlock()
		for _, w := range waiters {
			close(w)
		}
	}
	return nil
}

func (s *MultiplexedSocket) handleChannelOpen(msg *controlMessage) {
	if msg.Channel == ControlChannel {
		_ = s.sendControl(&controlMessage{Kind: kindChannelReject, Channel: msg.Channel, Reason: "reserved id"})
		return
	}

	accept := s.cfg.AcceptChannel == nil || s.cfg.AcceptChannel(msg.Name)
	if !accept {
		s.log.Debug().Str("name", msg.Name).Uint16("channel", msg.Channel).Msg("channel open declined")
		_ = s.sendControl(&controlMessage{Kind: kindChannelReject, Channel: msg.Channel, Reason: "declined"})
		return
	}

	s.mu.Lock()
	if _, dup := s.channels[msg.Channel]; dup {
		s.mu.Unlock()
		_ = s.sendControl(&controlMessage{Kind: kindChannelReject, Channel: msg.Channel, Reason: "duplicate id"})
		return
	}
	st := newChannelState(s, msg.Channel, msg.Name)
	s.channels[msg.Channel] = st
	s.mu.Unlock()

	if s.sendControl(&controlMessage{Kind: kindChannelAccept, Channel: msg.Channel}) != nil {
		return
	}
	s.log.Debug().Str("name", msg.Name).Uint16("channel", msg.Channel).Msg("channel accepted")
	if s.cfg.OnChannelReady != nil {
		s.cfg.OnChannelReady(newChannelSocket(st))
	}
}

func (s *MultiplexedSocket) handleOpenVerdict(msg *controlMessage) {
	s.mu.Lock()
	po := s.pendingByID[msg.Channel]
	if po == nil {
		s.mu.Unlock()
		s.log.Debug().Uint16("channel", msg.Channel).Msg("verdict for unknown open request")
		return
	}
	delete(s.pendingByID, msg.Channel)
	s.decPendingNameLocked(po.name)

	if msg.Kind == kindChannelReject {
		s.mu.Unlock()
		po.result <- openResult{reason: msg.Reason}
		return
	}

	st := newChannelState(s, po.id, po.name)
	s.channels[po.id] = st
	s.mu.Unlock()
	po.result <- openResult{st: st}
}

// beaconLoop probes the peer periodically. A missed ack kills the socket,
// bounding the detection of a dead peer to under two beacon intervals.
func (s *MultiplexedSocket) beaconLoop() {
	ticker := time.NewTicker(s.cfg.BeaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BeaconTimeout)
			err := s.SendBeacon(ctx)
			cancel()
			if err != nil && !s.IsClosed() {
				s.log.Warn().Err(err).Msg("peer stopped answering beacons")
				s.shutdown(ErrBeaconTimeout)
				return
			}
		}
	}
}

// shutdown closes the transport and every channel exactly once. Callbacks
// run after all internal locks are released.
func (s *MultiplexedSocket) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.closeErr = cause
		close(s.closed)
		s.conn.Close()

		s.mu.Lock()
		channels := make([]*channelState, 0, len(s.channels))
		for _, st := range s.channels {
			channels = append(channels, st)
		}
		s.channels = make(map[uint16]*channelState)
		pendings := make([]*pendingOpen, 0, len(s.pendingByID))
		for _, po := range s.pendingByID {
			pendings = append(pendings, po)
		}
		s.pendingByID = make(map[uint16]*pendingOpen)
		s.pendingByName = make(map[string]int)
		s.mu.Unlock()

		chanErr := cause
		if chanErr == nil {
			chanErr = ErrSocketClosed
		}
		for _, st := range channels {
			st.shutdown(chanErr)
		}
		for _, po := range pendings {
			select {
			case po.result <- openResult{err: ErrSocketClosed}:
			default:
			}
		}

		if cause != nil {
			s.log.Info().Err(cause).Msg("multiplexed socket closed")
		} else {
			s.log.Debug().Msg("multiplexed socket closed")
		}
		if s.cfg.OnShutdown != nil {
			s.cfg.OnShutdown(cause)
		}
	})
}
