package connmgr

import "errors"

// Errors surfaced through connect callbacks and socket shutdowns. Callers
// match with errors.Is; everything internal wraps one of these.
var (
	// ErrUnknownPeer means the target certificate could not be resolved
	// from the store or the DHT.
	ErrUnknownPeer = errors.New("connmgr: unknown peer")

	// ErrNegotiationTimeout means a negotiation state exceeded its
	// deadline.
	ErrNegotiationTimeout = errors.New("connmgr: negotiation timeout")

	// ErrIceFailed means ICE could not find a working candidate pair.
	ErrIceFailed = errors.New("connmgr: ice failed")

	// ErrTlsFailed means the TLS handshake failed or the peer identity
	// did not match the intended target.
	ErrTlsFailed = errors.New("connmgr: tls failed")

	// ErrPeerDeclined means the remote rejected the channel open or the
	// inbound offer.
	ErrPeerDeclined = errors.New("connmgr: peer declined")

	// ErrTransportClosed means an established socket died, including by
	// beacon timeout.
	ErrTransportClosed = errors.New("connmgr: transport closed")

	// ErrNoExistingSocket means NoNewSocket was set and no ready socket
	// exists for the device.
	ErrNoExistingSocket = errors.New("connmgr: no existing socket")

	// ErrShutdown means the connection manager is being destroyed.
	ErrShutdown = errors.New("connmgr: shutting down")
)
