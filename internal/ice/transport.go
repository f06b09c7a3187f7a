// Package ice wraps a pion ICE agent as the NAT-traversing datagram
// transport underneath the secure link. One Transport drives one agent
// through gather, negotiation and the single data component.
package ice

import (
	"context"
	"fmt"
	"net"
	"sync"

	pionice "github.com/pion/ice/v2"
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Attributes are the ICE session credentials advertised in the SDP blob.
type Attributes struct {
	Ufrag string
	Pwd   string
}

// Transport is one ICE session. All state queries are mutex-protected; the
// lifecycle is New (init + gather) → Start (negotiate) → Conn (component 1).
type Transport struct {
	name string
	opts Options
	log  zerolog.Logger

	agent *pionice.Agent

	mu          sync.Mutex
	initialized bool
	started     bool
	running     bool
	failed      bool
	conn        net.Conn

	gatherDone chan struct{}
	negotiated chan struct{}

	opCtx    context.Context
	opCancel context.CancelFunc

	shutdownOnce sync.Once
	onShutdown   func()
}

// New creates the agent for one session. The transport is not initialized
// until GatherCandidates has completed.
func New(name string, opts Options, logger zerolog.Logger) (*Transport, error) {
	urls, err := opts.serverURLs()
	if err != nil {
		return nil, err
	}

	cfg := &pionice.AgentConfig{
		Urls:             urls,
		NetworkTypes:     opts.networkTypes(),
		CandidateTypes:   []pionice.CandidateType{pionice.CandidateTypeHost, pionice.CandidateTypeServerReflexive, pionice.CandidateTypeRelay},
		MulticastDNSMode: pionice.MulticastDNSModeDisabled,
		LoggerFactory:    logging.NewDefaultLoggerFactory(),
	}
	if len(opts.PublishedIPs) > 0 {
		cfg.NAT1To1IPs = opts.PublishedIPs
		cfg.NAT1To1IPCandidateType = pionice.CandidateTypeHost
	}
	if opts.PortMin != 0 || opts.PortMax != 0 {
		cfg.PortMin = opts.PortMin
		cfg.PortMax = opts.PortMax
	}

	agent, err := pionice.NewAgent(cfg)
	if err != nil {
		return nil, fmt.Errorf("create ice agent: %w", err)
	}

	opCtx, opCancel := context.WithCancel(context.Background())
	t := &Transport{
		name:       name,
		opts:       opts,
		log:        logger.With().Str("ice", name).Logger(),
		agent:      agent,
		gatherDone: make(chan struct{}),
		negotiated: make(chan struct{}),
		opCtx:      opCtx,
		opCancel:   opCancel,
	}

	if err := agent.OnConnectionStateChange(t.onStateChange); err != nil {
		agent.Close()
		return nil, fmt.Errorf("install state callback: %w", err)
	}
	return t, nil
}

// NewDefault creates a transport logging to the package-global writer.
func NewDefault(name string, opts Options) (*Transport, error) {
	return New(name, opts, log.Logger)
}

// IsInitiator reports the negotiated role.
func (t *Transport) IsInitiator() bool { return t.opts.Initiator }

// GatherCandidates collects local candidates, blocking until gathering ends
// or ctx expires. On success the transport is initialized.
func (t *Transport) GatherCandidates(ctx context.Context) error {
	done := t.gatherDone
	err := t.agent.OnCandidate(func(c pionice.Candidate) {
		if c == nil {
			close(done)
			return
		}
		t.log.Debug().Str("candidate", c.String()).Msg("gathered candidate")
	})
	if err != nil {
		return fmt.Errorf("install candidate callback: %w", err)
	}
	if err := t.agent.GatherCandidates(); err != nil {
		t.setFailed()
		return fmt.Errorf("gather candidates: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.setFailed()
		return fmt.Errorf("gather candidates: %w", ctx.Err())
	case <-t.opCtx.Done():
		t.setFailed()
		return fmt.Errorf("gather candidates: cancelled")
	}

	t.mu.Lock()
	t.initialized = true
	t.mu.Unlock()
	return nil
}

// LocalAttributes returns the local session credentials.
func (t *Transport) LocalAttributes() (Attributes, error) {
	ufrag, pwd, err := t.agent.GetLocalUserCredentials()
	if err != nil {
		return Attributes{}, fmt.Errorf("local credentials: %w", err)
	}
	return Attributes{Ufrag: ufrag, Pwd: pwd}, nil
}

// LocalCandidates returns the gathered candidates as standard candidate
// text lines.
func (t *Transport) LocalCandidates() ([]string, error) {
	cands, err := t.agent.GetLocalCandidates()
	if err != nil {
		return nil, fmt.Errorf("local candidates: %w", err)
	}
	return MarshalCandidates(cands), nil
}

// Start runs ICE negotiation against the remote session and returns the
// component-1 connection. Unparsable remote candidate lines are skipped.
func (t *Transport) Start(ctx context.Context, remote Attributes, candidates []string) (net.Conn, error) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil, fmt.Errorf("ice %s: already started", t.name)
	}
	t.started = true
	t.mu.Unlock()

	added := 0
	for _, line := range candidates {
		c, err := ParseCandidate(line)
		if err != nil {
			t.log.Warn().Str("candidate", line).Err(err).Msg("skipping unparsable remote candidate")
			continue
		}
		if err := t.agent.AddRemoteCandidate(c); err != nil {
			t.log.Warn().Str("candidate", line).Err(err).Msg("agent rejected remote candidate")
			continue
		}
		added++
	}
	if added == 0 {
		t.setFailed()
		return nil, fmt.Errorf("ice %s: no usable remote candidates", t.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.opCtx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	var conn net.Conn
	var err error
	if t.opts.Initiator {
		conn, err = t.agent.Dial(ctx, remote.Ufrag, remote.Pwd)
	} else {
		conn, err = t.agent.Accept(ctx, remote.Ufrag, remote.Pwd)
	}
	if err != nil {
		t.setFailed()
		return nil, fmt.Errorf("ice %s: negotiation: %w", t.name, err)
	}

	t.mu.Lock()
	t.running = true
	t.conn = conn
	t.mu.Unlock()
	close(t.negotiated)
	return conn, nil
}

// Conn returns the negotiated component-1 connection, or nil before Start
// succeeds.
func (t *Transport) Conn() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Send writes on a component. Only component 1 carries data in this system.
func (t *Transport) Send(component int, b []byte) (int, error) {
	if component != 1 {
		return 0, fmt.Errorf("ice %s: component %d not negotiated", t.name, component)
	}
	conn := t.Conn()
	if conn == nil {
		return 0, fmt.Errorf("ice %s: not running", t.name)
	}
	return conn.Write(b)
}

// IsInitialized reports whether candidate gathering completed.
func (t *Transport) IsInitialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}

// IsStarted reports whether negotiation was started.
func (t *Transport) IsStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// IsRunning reports whether negotiation completed successfully.
func (t *Transport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// IsFailed reports whether the session reached a terminal failure.
func (t *Transport) IsFailed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// WaitForInitialization blocks until gathering completes or ctx expires.
func (t *Transport) WaitForInitialization(ctx context.Context) error {
	select {
	case <-t.gatherDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForNegotiation blocks until negotiation completes or ctx expires.
func (t *Transport) WaitForNegotiation(ctx context.Context) error {
	select {
	case <-t.negotiated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetOnShutdown registers the single shutdown callback, fired once when the
// underlying session dies or Close is called.
func (t *Transport) SetOnShutdown(cb func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onShutdown = cb
}

// CancelOperations aborts any in-flight gather or negotiation. Idempotent.
func (t *Transport) CancelOperations() {
	t.opCancel()
}

// Close cancels operations and releases the agent.
func (t *Transport) Close() error {
	t.opCancel()
	err := t.agent.Close()
	t.fireShutdown()
	return err
}

func (t *Transport) onStateChange(state pionice.ConnectionState) {
	t.log.Debug().Str("state", state.String()).Msg("ice state changed")
	switch state {
	case pionice.ConnectionStateFailed:
		t.setFailed()
		t.fireShutdown()
	case pionice.ConnectionStateClosed, pionice.ConnectionStateDisconnected:
		t.fireShutdown()
	}
}

func (t *Transport) setFailed() {
	t.mu.Lock()
	t.failed = true
	t.mu.Unlock()
}

func (t *Transport) fireShutdown() {
	t.shutdownOnce.Do(func() {
		t.mu.Lock()
		cb := t.onShutdown
		t.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}
