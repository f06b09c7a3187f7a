// Package identity manages device identities: a long-lived ECDSA key pair
// wrapped in an X.509 certificate whose public-key fingerprint is the
// DeviceID. It also provides the sealed-envelope encryption used for
// DHT-carried signaling payloads.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// certValidity is the lifetime of a freshly generated device certificate.
const certValidity = 10 * 365 * 24 * time.Hour

// Identity is a device identity: the device certificate chain (leaf first)
// and its private key.
type Identity struct {
	Certificate *x509.Certificate
	Chain       [][]byte // DER encoded, leaf first
	PrivateKey  *ecdsa.PrivateKey
}

// Generate creates a new self-signed device identity. accountURI names the
// owning account and is stored in the certificate subject; every device of
// the same account carries the same URI.
func Generate(accountURI string) (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: accountURI},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		// The device certificate signs itself; without the CA bit the
		// self-signature check in the trust policy would refuse it.
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create device certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse device certificate: %w", err)
	}

	return &Identity{
		Certificate: cert,
		Chain:       [][]byte{der},
		PrivateKey:  key,
	}, nil
}

// DeviceID returns the fingerprint of this identity's public key.
func (i *Identity) DeviceID() DeviceID {
	return DeviceIDOf(i.Certificate)
}

// AccountURI returns the owning account URI from the certificate subject.
func (i *Identity) AccountURI() string {
	return i.Certificate.Subject.CommonName
}

// TLSCertificate returns the identity as a tls.Certificate for use in
// handshake configs.
func (i *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: i.Chain,
		PrivateKey:  i.PrivateKey,
		Leaf:        i.Certificate,
	}
}

// AccountURIOf returns the account URI recorded in a device certificate.
func AccountURIOf(cert *x509.Certificate) string {
	return cert.Subject.CommonName
}

// Save writes the identity to dir as cert.pem and key.pem. The key file is
// created with owner-only permissions.
func (i *Identity) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}

	var certPEM []byte
	for _, der := range i.Chain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	if err := os.WriteFile(filepath.Join(dir, "cert.pem"), certPEM, 0644); err != nil {
		return fmt.Errorf("write cert: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(i.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(filepath.Join(dir, "key.pem"), keyPEM, 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// Load reads an identity previously written by Save.
func Load(dir string) (*Identity, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, "cert.pem"))
	if err != nil {
		return nil, fmt.Errorf("read cert: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, "key.pem"))
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	var chain [][]byte
	rest := certPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("load identity: no certificate in %s", dir)
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("parse cert: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("load identity: no key in %s", dir)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}

	return &Identity{Certificate: leaf, Chain: chain, PrivateKey: key}, nil
}
