package mux

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ControlChannel is the reserved channel id for socket-level control
// traffic. It exists for the whole socket lifetime and is opened exactly
// once, implicitly, at construction.
const ControlChannel uint16 = 0

// Control message kinds.
const (
	kindChannelOpen uint8 = iota + 1
	kindChannelAccept
	kindChannelReject
	kindChannelClose
	kindBeacon
	kindBeaconAck
)

// controlMessage is the tagged payload carried on the control channel.
type controlMessage struct {
	Kind    uint8  `cbor:"t"`
	Channel uint16 `cbor:"c,omitempty"`
	Name    string `cbor:"n,omitempty"`
	Reason  string `cbor:"r,omitempty"`
}

func (m *controlMessage) marshal() ([]byte, error) {
	return cbor.Marshal(m)
}

func parseControl(payload []byte) (*controlMessage, error) {
	var m controlMessage
	if err := cbor.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode control message: %w", err)
	}
	if m.Kind < kindChannelOpen || m.Kind > kindBeaconAck {
		return nil, fmt.Errorf("unknown control kind %d", m.Kind)
	}
	return &m, nil
}
