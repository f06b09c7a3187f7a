// Package certstore holds known device certificates and the trust policy
// the TLS layer verifies peers against.
package certstore

import (
	"crypto/x509"

	"github.com/tunnelmesh/peerconn/pkg/identity"
)

// Store is the certificate store injected into a connection manager. Find
// and Pin are keyed by device fingerprint; Verify applies the account trust
// policy to a presented chain (leaf first).
type Store interface {
	Find(id identity.DeviceID) *x509.Certificate
	Pin(cert *x509.Certificate)
	Verify(chain []*x509.Certificate) error
}
