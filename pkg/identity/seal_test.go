package identity

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	alice, err := Generate("alice")
	require.NoError(t, err)

	plaintext := []byte("offer payload")
	box, err := Seal(&alice.PrivateKey.PublicKey, plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(box), "offer payload")

	got, err := alice.Open(box)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpen_WrongRecipient(t *testing.T) {
	alice, err := Generate("alice")
	require.NoError(t, err)
	eve, err := Generate("eve")
	require.NoError(t, err)

	box, err := Seal(&alice.PrivateKey.PublicKey, []byte("secret"))
	require.NoError(t, err)

	_, err = eve.Open(box)
	assert.Error(t, err)
}

func TestOpen_Truncated(t *testing.T) {
	alice, err := Generate("alice")
	require.NoError(t, err)
	_, err = alice.Open([]byte("short"))
	assert.Error(t, err)
}

func TestEnvelope_RoundTrip(t *testing.T) {
	alice, err := Generate("alice")
	require.NoError(t, err)
	bob, err := Generate("bob")
	require.NoError(t, err)

	payload := []byte("connection request")
	sealed, err := SealEnvelope(alice, bob.Certificate, payload)
	require.NoError(t, err)

	got, sender, err := bob.OpenEnvelope(sealed)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, alice.DeviceID(), DeviceIDOf(sender))
}

func TestEnvelope_TamperedBox(t *testing.T) {
	alice, err := Generate("alice")
	require.NoError(t, err)
	bob, err := Generate("bob")
	require.NoError(t, err)

	sealed, err := SealEnvelope(alice, bob.Certificate, []byte("request"))
	require.NoError(t, err)

	// Flip one bit inside the signed box bytes.
	var env Envelope
	require.NoError(t, cbor.Unmarshal(sealed, &env))
	env.Box[len(env.Box)-1] ^= 0x01
	tampered, err := cbor.Marshal(env)
	require.NoError(t, err)
	_, _, err = bob.OpenEnvelope(tampered)
	assert.Error(t, err)
}

func TestEnvelope_Garbage(t *testing.T) {
	bob, err := Generate("bob")
	require.NoError(t, err)
	_, _, err = bob.OpenEnvelope([]byte{0xde, 0xad, 0xbe, 0xef})
	assert.Error(t, err)
}
