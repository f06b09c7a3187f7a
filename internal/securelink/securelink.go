// Package securelink authenticates the ICE datagram flow with mutual DTLS.
// Both sides present their device certificate; the peer chain is checked
// against the account trust policy and, when the caller already knows who it
// is dialing, against the expected device fingerprint.
package securelink

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/pion/dtls/v2"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/peerconn/pkg/certstore"
	"github.com/tunnelmesh/peerconn/pkg/identity"
)

// ErrVerifyFailed marks a peer chain rejected by the trust policy.
var ErrVerifyFailed = errors.New("securelink: peer verification failed")

// ErrIdentityMismatch marks a handshake that authenticated a different
// device than the one the caller intended to reach.
var ErrIdentityMismatch = errors.New("securelink: peer identity mismatch")

// Config parameterizes one handshake.
type Config struct {
	// Identity is the local device presented to the peer.
	Identity *identity.Identity

	// Store supplies the trust policy and pins newly seen peers.
	Store certstore.Store

	// Expected, when non-zero, is the device the handshake must
	// authenticate; any other verified peer fails with
	// ErrIdentityMismatch.
	Expected identity.DeviceID

	// Client selects the DTLS role. The connection initiator is the
	// client.
	Client bool

	Logger zerolog.Logger
}

// Session is an authenticated link: the DTLS connection plus the verified
// peer certificate.
type Session struct {
	Conn     net.Conn
	PeerCert *x509.Certificate
	Client   bool
}

// PeerDevice returns the authenticated peer fingerprint.
func (s *Session) PeerDevice() identity.DeviceID {
	return identity.DeviceIDOf(s.PeerCert)
}

// Handshake runs mutual DTLS over conn. On success the peer certificate is
// pinned in the store. conn is consumed either way; on failure it is closed.
func Handshake(ctx context.Context, conn net.Conn, cfg Config) (*Session, error) {
	var (
		peerCert  *x509.Certificate
		verifyErr error
	)

	verify := func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		chain, err := parseChain(rawCerts)
		if err != nil {
			verifyErr = err
			return err
		}
		if err := cfg.Store.Verify(chain); err != nil {
			verifyErr = fmt.Errorf("%w: %v", ErrVerifyFailed, err)
			return verifyErr
		}
		if !cfg.Expected.IsZero() && identity.DeviceIDOf(chain[0]) != cfg.Expected {
			verifyErr = fmt.Errorf("%w: got %s, want %s", ErrIdentityMismatch,
				identity.DeviceIDOf(chain[0]), cfg.Expected)
			return verifyErr
		}
		peerCert = chain[0]
		return nil
	}

	dtlsCfg := &dtls.Config{
		Certificates:          []tls.Certificate{cfg.Identity.TLSCertificate()},
		ClientAuth:            dtls.RequireAnyClientCert,
		InsecureSkipVerify:    true, // verification handled by VerifyPeerCertificate
		VerifyPeerCertificate: verify,
		ExtendedMasterSecret:  dtls.RequireExtendedMasterSecret,
	}

	var (
		dconn *dtls.Conn
		err   error
	)
	if cfg.Client {
		dconn, err = dtls.ClientWithContext(ctx, conn, dtlsCfg)
	} else {
		dconn, err = dtls.ServerWithContext(ctx, conn, dtlsCfg)
	}
	if err != nil {
		conn.Close()
		if verifyErr != nil {
			// The library may wrap the verify callback's error; report
			// the original so callers can distinguish it.
			return nil, verifyErr
		}
		return nil, classifyHandshakeErr(ctx, err)
	}
	if peerCert == nil {
		// RequireAnyClientCert plus our verify callback make this
		// unreachable, but a nil cert must never escape.
		dconn.Close()
		return nil, fmt.Errorf("%w: no peer certificate", ErrVerifyFailed)
	}

	cfg.Store.Pin(peerCert)
	cfg.Logger.Debug().
		Str("peer", identity.DeviceIDOf(peerCert).String()).
		Bool("client", cfg.Client).
		Msg("secure link established")

	return &Session{Conn: dconn, PeerCert: peerCert, Client: cfg.Client}, nil
}

func parseChain(rawCerts [][]byte) ([]*x509.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrVerifyFailed)
	}
	chain := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: parse: %v", ErrVerifyFailed, err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

// classifyHandshakeErr keeps verification and identity errors
// distinguishable from timeouts and transport failures.
func classifyHandshakeErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrVerifyFailed), errors.Is(err, ErrIdentityMismatch):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("securelink: handshake timeout: %w", ctx.Err())
	default:
		return fmt.Errorf("securelink: handshake: %w", err)
	}
}
