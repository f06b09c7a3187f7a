package connmgr

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/peerconn/internal/ice"
	"github.com/tunnelmesh/peerconn/internal/securelink"
	"github.com/tunnelmesh/peerconn/pkg/identity"
	"github.com/tunnelmesh/peerconn/pkg/proto"
)

// Link is an established, authenticated transport ready to carry a
// multiplexed socket.
type Link struct {
	Conn      net.Conn
	PeerCert  *x509.Certificate
	Initiator bool
}

// LinkOptions parameterize one transport attempt.
type LinkOptions struct {
	// Initiator selects the controlling ICE role and the DTLS client
	// role.
	Initiator bool

	// Expected is the device the link must authenticate.
	Expected identity.DeviceID

	// Ice configures candidate gathering.
	Ice ice.Options
}

// PendingLink is a transport attempt between candidate gathering and
// establishment. LocalSDP is valid as soon as the linker returns the
// pending link.
type PendingLink interface {
	LocalSDP() (*proto.SDP, error)
	// Establish runs the remaining negotiation (candidate pairing, then
	// the mutual-TLS handshake) and returns the authenticated link.
	Establish(ctx context.Context, remote *proto.SDP) (*Link, error)
	// Abort cancels any in-flight work and releases resources.
	// Idempotent; harmless after Establish returned.
	Abort()
}

// Linker creates transport attempts. The production implementation drives
// ICE and DTLS; tests plug an in-process network.
type Linker interface {
	// NewLink allocates an attempt and gathers local candidates,
	// blocking until gathering completes or ctx expires.
	NewLink(ctx context.Context, opts LinkOptions) (PendingLink, error)
}

// iceLinker is the production Linker: pion ICE for the datagram flow,
// mutual DTLS for authentication.
type iceLinker struct {
	cm *ConnectionManager
}

func (l *iceLinker) NewLink(ctx context.Context, opts LinkOptions) (PendingLink, error) {
	name := "out"
	if !opts.Initiator {
		name = "in"
	}
	t, err := ice.New(fmt.Sprintf("%s:%s", name, shortDevice(opts.Expected)), opts.Ice, l.cm.log)
	if err != nil {
		return nil, err
	}
	if err := t.GatherCandidates(ctx); err != nil {
		t.Close()
		return nil, err
	}
	return &icePendingLink{cm: l.cm, transport: t, opts: opts, log: l.cm.log}, nil
}

type icePendingLink struct {
	cm        *ConnectionManager
	transport *ice.Transport
	opts      LinkOptions
	log       zerolog.Logger
}

func (p *icePendingLink) LocalSDP() (*proto.SDP, error) {
	return p.transport.LocalSDP()
}

func (p *icePendingLink) Establish(ctx context.Context, remote *proto.SDP) (*Link, error) {
	iceCtx, cancel := context.WithTimeout(ctx, p.cm.cfg.IceTimeout)
	conn, err := p.transport.Start(iceCtx, ice.Attributes{Ufrag: remote.Ufrag, Pwd: remote.Pwd}, remote.Candidates)
	cancel()
	if err != nil {
		p.transport.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrNegotiationTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrIceFailed, err)
	}

	tlsCtx, cancel := context.WithTimeout(ctx, p.cm.cfg.TlsTimeout)
	sess, err := securelink.Handshake(tlsCtx, conn, securelink.Config{
		Identity: p.cm.cfg.ID,
		Store:    p.cm.cfg.CertStore,
		Expected: p.opts.Expected,
		Client:   p.opts.Initiator,
		Logger:   p.log,
	})
	cancel()
	if err != nil {
		p.transport.Close()
		return nil, fmt.Errorf("%w: %v", ErrTlsFailed, err)
	}

	conn = &linkConn{Conn: sess.Conn, transport: p.transport}
	return &Link{Conn: conn, PeerCert: sess.PeerCert, Initiator: p.opts.Initiator}, nil
}

// linkConn ties the ICE transport's lifetime to the authenticated
// connection: closing the socket releases the agent too.
type linkConn struct {
	net.Conn
	transport *ice.Transport
}

func (c *linkConn) Close() error {
	err := c.Conn.Close()
	c.transport.Close()
	return err
}

func (p *icePendingLink) Abort() {
	p.transport.CancelOperations()
	p.transport.Close()
}

func shortDevice(id identity.DeviceID) string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
