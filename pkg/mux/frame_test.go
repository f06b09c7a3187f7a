package mux

import (
	"testing"

	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCodec_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		channel uint16
		payload []byte
	}{
		{"control empty", 0, nil},
		{"small", 1, []byte{0x01, 0x02, 0x03}},
		{"high channel", 0xFFFF, []byte("payload")},
		{"multibyte varint length", 3, make([]byte, 300)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dec frameDecoder
			dec.push(appendFrame(nil, tt.channel, tt.payload))

			channel, payload, ok, err := dec.next()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.channel, channel)
			assert.Equal(t, len(tt.payload), len(payload))

			// Nothing left.
			_, _, ok, err = dec.next()
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFrameDecoder_PartialDelivery(t *testing.T) {
	frame := appendFrame(nil, 7, []byte("hello world"))

	var dec frameDecoder
	for i := range frame {
		dec.push(frame[i : i+1])
		channel, payload, ok, err := dec.next()
		require.NoError(t, err)
		if i < len(frame)-1 {
			assert.False(t, ok, "frame complete too early at byte %d", i)
		} else {
			require.True(t, ok)
			assert.Equal(t, uint16(7), channel)
			assert.Equal(t, "hello world", string(payload))
		}
	}
}

func TestFrameDecoder_MultipleFramesOnePush(t *testing.T) {
	buf := appendFrame(nil, 1, []byte("a"))
	buf = appendFrame(buf, 2, []byte("bb"))
	buf = appendFrame(buf, 1, []byte("ccc"))

	var dec frameDecoder
	dec.push(buf)

	want := []struct {
		channel uint16
		payload string
	}{{1, "a"}, {2, "bb"}, {1, "ccc"}}
	for _, w := range want {
		channel, payload, ok, err := dec.next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, w.channel, channel)
		assert.Equal(t, w.payload, string(payload))
	}
}

func TestFrameDecoder_ChannelOutOfRange(t *testing.T) {
	var dec frameDecoder
	dec.push(appendFrameWide(nil, 0x10000, []byte("x")))
	_, _, _, err := dec.next()
	assert.Error(t, err)
}

func TestFrameDecoder_PayloadTooLarge(t *testing.T) {
	dec := frameDecoder{max: 8}
	dec.push(appendFrame(nil, 1, make([]byte, 9)))
	_, _, _, err := dec.next()
	assert.Error(t, err)
}

// appendFrameWide writes an arbitrary channel id, bypassing the uint16
// parameter type, to exercise the decoder's range check.
func appendFrameWide(dst []byte, channel uint64, payload []byte) []byte {
	dst = append(dst, varint.ToUvarint(channel)...)
	dst = append(dst, varint.ToUvarint(uint64(len(payload)))...)
	return append(dst, payload...)
}
