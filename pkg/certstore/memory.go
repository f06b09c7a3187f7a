package certstore

import (
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/tunnelmesh/peerconn/pkg/identity"
)

// MemoryStore keeps pinned certificates in a map. Verification accepts a
// chain whose leaf is either already pinned or correctly self-signed;
// chains rooted in a pinned CA are accepted as well. This matches the
// trust-on-first-use model of device identities: the DeviceID commits to
// the public key, so a self-signed leaf carries its own proof.
type MemoryStore struct {
	mu    sync.RWMutex
	certs map[identity.DeviceID]*x509.Certificate
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{certs: make(map[identity.DeviceID]*x509.Certificate)}
}

// Find returns the pinned certificate for a device, or nil.
func (s *MemoryStore) Find(id identity.DeviceID) *x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.certs[id]
}

// Pin records a device certificate. Pinning the same device again replaces
// the stored certificate.
func (s *MemoryStore) Pin(cert *x509.Certificate) {
	if cert == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[identity.DeviceIDOf(cert)] = cert
}

// Verify checks a presented chain against the store.
func (s *MemoryStore) Verify(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return fmt.Errorf("verify: empty chain")
	}
	leaf := chain[0]

	s.mu.RLock()
	pinned := s.certs[identity.DeviceIDOf(leaf)]
	s.mu.RUnlock()
	if pinned != nil {
		if !pinned.Equal(leaf) {
			return fmt.Errorf("verify: certificate differs from pinned certificate for %s", identity.DeviceIDOf(leaf))
		}
		return nil
	}

	// Unknown leaf: accept a valid self-signature, or a chain to a pinned
	// issuer.
	if _, ok := leaf.PublicKey.(*ecdsa.PublicKey); !ok {
		return fmt.Errorf("verify: leaf key is %T, want ECDSA", leaf.PublicKey)
	}
	if err := leaf.CheckSignatureFrom(leaf); err == nil {
		return nil
	}
	for _, issuer := range chain[1:] {
		s.mu.RLock()
		trusted := s.certs[identity.DeviceIDOf(issuer)]
		s.mu.RUnlock()
		if trusted == nil {
			continue
		}
		if err := leaf.CheckSignatureFrom(issuer); err == nil {
			return nil
		}
	}
	return fmt.Errorf("verify: no trust path for %s", identity.DeviceIDOf(leaf))
}
