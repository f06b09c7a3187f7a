package identity

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealInfo domain-separates the HKDF derivation for sealed boxes.
const sealInfo = "peerconn-seal-v1"

// ephemeralKeySize is the uncompressed P-256 point prefixing every box.
const ephemeralKeySize = 65

// Seal encrypts plaintext to the recipient's public key. The box is
// anonymous: only the recipient's private key can open it. Layout is
// ephemeral public key, nonce, then the AEAD ciphertext.
func Seal(recipient *ecdsa.PublicKey, plaintext []byte) ([]byte, error) {
	rec, err := recipient.ECDH()
	if err != nil {
		return nil, fmt.Errorf("seal: recipient key: %w", err)
	}
	eph, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal: ephemeral key: %w", err)
	}
	secret, err := eph.ECDH(rec)
	if err != nil {
		return nil, fmt.Errorf("seal: key agreement: %w", err)
	}

	aead, err := sealAEAD(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: nonce: %w", err)
	}

	out := make([]byte, 0, ephemeralKeySize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, eph.PublicKey().Bytes()...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a box produced by Seal for this identity's key.
func (i *Identity) Open(box []byte) ([]byte, error) {
	if len(box) < ephemeralKeySize+chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("open: box too short")
	}
	eph, err := ecdh.P256().NewPublicKey(box[:ephemeralKeySize])
	if err != nil {
		return nil, fmt.Errorf("open: ephemeral key: %w", err)
	}
	priv, err := i.PrivateKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("open: private key: %w", err)
	}
	secret, err := priv.ECDH(eph)
	if err != nil {
		return nil, fmt.Errorf("open: key agreement: %w", err)
	}

	aead, err := sealAEAD(secret)
	if err != nil {
		return nil, err
	}
	rest := box[ephemeralKeySize:]
	nonce, ciphertext := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return plaintext, nil
}

func sealAEAD(secret []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("seal: derive key: %w", err)
	}
	return chacha20poly1305.New(key)
}

// Envelope is a sealed, sender-signed payload carried as a DHT value. The
// sender chain lets the recipient authenticate and pin the origin device
// without a prior exchange.
type Envelope struct {
	SenderChain [][]byte `cbor:"chain"` // DER, leaf first
	Box         []byte   `cbor:"box"`
	Sig         []byte   `cbor:"sig"` // ECDSA ASN.1 over SHA-256(Box)
}

// SealEnvelope encrypts payload to the recipient's device key and signs the
// box with the sender's key.
func SealEnvelope(sender *Identity, recipient *x509.Certificate, payload []byte) ([]byte, error) {
	pub, ok := recipient.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("seal envelope: recipient key is %T, want ECDSA", recipient.PublicKey)
	}
	box, err := Seal(pub, payload)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(box)
	sig, err := ecdsa.SignASN1(rand.Reader, sender.PrivateKey, digest[:])
	if err != nil {
		return nil, fmt.Errorf("seal envelope: sign: %w", err)
	}
	return cbor.Marshal(Envelope{SenderChain: sender.Chain, Box: box, Sig: sig})
}

// OpenEnvelope verifies the sender signature, decrypts the box for this
// identity and returns the payload together with the sender's leaf
// certificate.
func (i *Identity) OpenEnvelope(data []byte) ([]byte, *x509.Certificate, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("open envelope: decode: %w", err)
	}
	if len(env.SenderChain) == 0 {
		return nil, nil, fmt.Errorf("open envelope: missing sender chain")
	}
	sender, err := x509.ParseCertificate(env.SenderChain[0])
	if err != nil {
		return nil, nil, fmt.Errorf("open envelope: sender cert: %w", err)
	}
	pub, ok := sender.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("open envelope: sender key is %T, want ECDSA", sender.PublicKey)
	}
	digest := sha256.Sum256(env.Box)
	if !ecdsa.VerifyASN1(pub, digest[:], env.Sig) {
		return nil, nil, fmt.Errorf("open envelope: bad signature")
	}
	payload, err := i.Open(env.Box)
	if err != nil {
		return nil, nil, err
	}
	return payload, sender, nil
}
