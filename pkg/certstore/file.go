package certstore

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/peerconn/pkg/identity"
)

// FileStore is a MemoryStore that persists pinned certificates as PEM files
// under a cache directory, one file per device named by its fingerprint.
type FileStore struct {
	MemoryStore
	dir string
}

// NewFileStore loads every certificate below dir into a new store. Files
// that fail to parse are skipped.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create cert cache dir: %w", err)
	}
	s := &FileStore{
		MemoryStore: MemoryStore{certs: make(map[identity.DeviceID]*x509.Certificate)},
		dir:         dir,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read cert cache dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			log.Debug().Str("file", e.Name()).Err(err).Msg("skipping unparsable cached certificate")
			continue
		}
		s.MemoryStore.Pin(cert)
	}
	return s, nil
}

// Pin records the certificate in memory and writes it to the cache
// directory. Disk errors are logged, not fatal: the in-memory pin already
// succeeded.
func (s *FileStore) Pin(cert *x509.Certificate) {
	if cert == nil {
		return
	}
	s.MemoryStore.Pin(cert)

	name := identity.DeviceIDOf(cert).String() + ".pem"
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0644); err != nil {
		log.Warn().Str("file", name).Err(err).Msg("failed to cache certificate")
	}
}
