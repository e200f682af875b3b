package edid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testImage builds a minimal EDID image: header, the LG PNP id and a
// recognizable product/serial block.
func testImage() []byte {
	img := make([]byte, 256)
	copy(img, []byte{0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00})
	// "GSM": G=7, S=19, M=13 → 0b0_00111_10011_01101.
	img[8], img[9] = 0x1e, 0x6d
	copy(img[10:18], []byte{0x77, 0x01, 0x00, 0x01, 0x01, 0x01, 0x20, 0x23})
	img[18], img[19] = 1, 4
	for i := 20; i < 256; i++ {
		img[i] = byte(i)
	}
	return img
}

func TestParseIdentifier(t *testing.T) {
	e, err := Parse(testImage())
	require.NoError(t, err)
	assert.Equal(t, "GSM", e.Manufacturer())
	assert.Equal(t, "GSM7701000101012023", e.ID())
}

func TestParseFindsHeaderAtOffset(t *testing.T) {
	shifted := append(make([]byte, 37), testImage()...)
	e, err := Parse(shifted)
	require.NoError(t, err)
	assert.Equal(t, "GSM", e.Manufacturer())
	assert.Equal(t, byte(0x77), e.Raw[10])
}

func TestParsePadsShortImage(t *testing.T) {
	short := testImage()[:128]
	e, err := Parse(short)
	require.NoError(t, err)
	// The base block repeats into the upper half.
	assert.Equal(t, e.Raw[:128], e.Raw[128:])
}

func TestParseNoHeader(t *testing.T) {
	_, err := Parse(make([]byte, 512))
	assert.ErrorIs(t, err, ErrNoEdid)
}

func TestWeekYear(t *testing.T) {
	e, err := Parse(testImage())
	require.NoError(t, err)
	assert.Equal(t, 0x20, e.Week())
	assert.Equal(t, 1990+0x23, e.Year())
}
