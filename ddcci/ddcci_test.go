package ddcci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeKnownFrames(t *testing.T) {
	// WRITE brightness = 50.
	assert.Equal(t,
		[]byte{0x51, 0x84, 0x03, 0x10, 0x00, 0x32, 0x9a},
		Encode([]byte{byte(OpWrite), 0x10, 0x00, 0x32}))
	// READ brightness.
	assert.Equal(t,
		[]byte{0x51, 0x82, 0x01, 0x10, 0xac},
		Encode([]byte{byte(OpRead), 0x10}))
}

func TestEncodeChecksumSeed(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 1, MaxPayloadLen).Draw(t, "payload")
		frame := Encode(payload)
		// The checksum is seeded with the implicit slave write
		// address, so XORing it back in must zero the frame out.
		sum := byte(slaveWrite)
		for _, c := range frame {
			sum ^= c
		}
		assert.Equal(t, byte(0), sum)
	})
}

func TestReplyRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 1, MaxPayloadLen).Draw(t, "payload")
		frame := EncodeReply(payload)
		sum := byte(0)
		for _, c := range frame {
			sum ^= c
		}
		assert.Equal(t, byte(readCheck), sum)
		got, err := Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})
}

func TestDecodeRejectsCorruption(t *testing.T) {
	frame := EncodeReply([]byte{byte(OpReadReply), 0, 0x10, 0, 0, 100, 0, 50})

	bad := append([]byte(nil), frame...)
	bad[0] = 0x6f
	_, err := Decode(bad)
	assert.ErrorContains(t, err, "source")

	bad = append([]byte(nil), frame...)
	bad[1] &^= 0x80
	_, err = Decode(bad)
	assert.ErrorContains(t, err, "length bit")

	bad = append([]byte(nil), frame...)
	bad[5] ^= 0x01
	_, err = Decode(bad)
	assert.ErrorContains(t, err, "checksum")
}

func TestDecodeLengthBoundary(t *testing.T) {
	// A maximal capabilities reply: opcode, offset, 32-byte fragment.
	payload := make([]byte, MaxPayloadLen)
	payload[0] = byte(OpCapabilitiesReply)
	got, err := Decode(EncodeReply(payload))
	require.NoError(t, err)
	assert.Len(t, got, MaxPayloadLen)

	over := make([]byte, MaxPayloadLen+1)
	over[0] = byte(OpCapabilitiesReply)
	_, err = Decode(EncodeReply(over))
	assert.Error(t, err)
}

func TestDecodeNullMessage(t *testing.T) {
	frame := EncodeReply(nil)
	assert.Equal(t, []byte{0x6e, 0x80, 0xbe}, frame)
	_, err := Decode(frame)
	assert.ErrorIs(t, err, ErrNullMessage)
}

func TestDDCMaxLen(t *testing.T) {
	assert.Equal(t, 11, DDCMaxLen(OpReadReply))
	assert.Equal(t, ReadReplyDDCLen, DDCMaxLen(OpReadReply))
	assert.Equal(t, MaxDDCLen, DDCMaxLen(OpCapabilitiesReply))
	assert.Equal(t, 4, DDCMaxLen(OpSave))
}
