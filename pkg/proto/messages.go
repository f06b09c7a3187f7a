// Package proto defines the DHT-carried signaling messages for peerconn.
package proto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/tunnelmesh/peerconn/pkg/identity"
)

// KeyPrefix is prepended to a device infohash to form the DHT rendezvous key
// the device listens on for inbound connection requests.
const KeyPrefix = "peer:"

// InvalidRequestID is never used by a live request; answers echo the offer's
// id, so 0 would be ambiguous.
const InvalidRequestID uint64 = 0

// PeerConnectionRequest asks a remote device for an initial connection, or
// answers such a request. It travels encrypted to the recipient's device key
// on the recipient's rendezvous key.
type PeerConnectionRequest struct {
	// ID identifies one connection attempt; the answer reuses the offer's ID.
	ID uint64 `cbor:"id"`
	// IceMsg is the serialized SDP blob (see SDP).
	IceMsg []byte `cbor:"ice_msg"`
	// IsAnswer is false for the initial offer, true for the reply.
	IsAnswer bool `cbor:"isAnswer"`
	// ConnType classifies the connection for the remote (push wakeup
	// reasons and the like); opaque to this layer.
	ConnType string `cbor:"connType"`
}

// SDP carries one side's ICE session credentials and candidate lines.
type SDP struct {
	Ufrag      string   `cbor:"ufrag"`
	Pwd        string   `cbor:"pwd"`
	Candidates []string `cbor:"candidates"`
}

// ListenKey derives the DHT key a device with the given infohash listens on.
func ListenKey(h identity.InfoHash) []byte {
	key := make([]byte, 0, len(KeyPrefix)+len(h))
	key = append(key, KeyPrefix...)
	return append(key, h[:]...)
}

// NewRequestID returns a random non-zero request identifier.
func NewRequestID() uint64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic(fmt.Sprintf("request id entropy: %v", err))
		}
		if id := binary.BigEndian.Uint64(buf[:]); id != InvalidRequestID {
			return id
		}
	}
}

// Marshal encodes the request as a CBOR map.
func (r *PeerConnectionRequest) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

// UnmarshalRequest decodes a CBOR-encoded PeerConnectionRequest.
func UnmarshalRequest(data []byte) (*PeerConnectionRequest, error) {
	var r PeerConnectionRequest
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode connection request: %w", err)
	}
	if r.ID == InvalidRequestID {
		return nil, fmt.Errorf("decode connection request: missing id")
	}
	return &r, nil
}

// Marshal encodes the SDP blob as a CBOR map.
func (s *SDP) Marshal() ([]byte, error) {
	return cbor.Marshal(s)
}

// UnmarshalSDP decodes a CBOR-encoded SDP blob.
func UnmarshalSDP(data []byte) (*SDP, error) {
	var s SDP
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode sdp: %w", err)
	}
	return &s, nil
}
