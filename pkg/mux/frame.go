package mux

import (
	"fmt"

	"github.com/multiformats/go-varint"
)

// Frame layout: channel id varint, payload length varint, payload bytes.
// Channel 0 is the control channel.

// maxChannelID bounds the varint channel field to the 16-bit id space.
const maxChannelID = 0xFFFF

// appendFrame serializes one frame onto dst.
func appendFrame(dst []byte, channel uint16, payload []byte) []byte {
	dst = append(dst, varint.ToUvarint(uint64(channel))...)
	dst = append(dst, varint.ToUvarint(uint64(len(payload)))...)
	return append(dst, payload...)
}

// frameDecoder incrementally parses frames from transport reads. Feed with
// push, drain with next. A decode error is fatal for the whole socket.
type frameDecoder struct {
	buf []byte
	max int // payload size limit
}

func (d *frameDecoder) push(p []byte) {
	d.buf = append(d.buf, p...)
}

// next returns the next complete frame, or ok=false when more bytes are
// needed. The returned payload aliases the internal buffer and is only
// valid until the following call.
func (d *frameDecoder) next() (channel uint16, payload []byte, ok bool, err error) {
	ch, n, err := varint.FromUvarint(d.buf)
	if err != nil {
		if err == varint.ErrUnderflow {
			return 0, nil, false, nil
		}
		return 0, nil, false, fmt.Errorf("frame channel id: %w", err)
	}
	if ch > maxChannelID {
		return 0, nil, false, fmt.Errorf("frame channel id %d out of range", ch)
	}

	length, m, err := varint.FromUvarint(d.buf[n:])
	if err != nil {
		if err == varint.ErrUnderflow {
			return 0, nil, false, nil
		}
		return 0, nil, false, fmt.Errorf("frame length: %w", err)
	}
	if d.max > 0 && length > uint64(d.max) {
		return 0, nil, false, fmt.Errorf("frame payload %d exceeds limit %d", length, d.max)
	}

	total := n + m + int(length)
	if len(d.buf) < total {
		return 0, nil, false, nil
	}

	payload = d.buf[n+m : total]
	d.buf = d.buf[total:]
	return uint16(ch), payload, true, nil
}
