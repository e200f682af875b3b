// package edid reads and parses the monitor EEPROM served at I²C
// slave 0x50.
package edid

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"d2see.dev/i2c"
)

// SlaveAddr is the I²C address of the EDID EEPROM.
const SlaveAddr = 0x50

// ErrNoEdid reports that no EDID header was found on a candidate bus.
var ErrNoEdid = errors.New("edid: header not found")

var header = []byte{0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00}

// EDID is a 256-byte EDID image. Monitors that only serve the 128-byte
// base block have the tail repeated.
type EDID struct {
	Raw [256]byte
}

// Probe reads the EEPROM through bus, which must be bound to
// SlaveAddr. The EEPROM's internal read position is unknown, so up to
// 512 bytes are pulled and the image is located by its header.
func Probe(bus *i2c.Bus, logger *log.Logger) (*EDID, error) {
	candidate := make([]byte, 0, 512)
	for len(candidate) < 512 {
		chunk, err := bus.Read(512 - len(candidate))
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			break
		}
		candidate = append(candidate, chunk...)
	}
	start := bytes.Index(candidate, header)
	if start < 0 {
		return nil, ErrNoEdid
	}
	e := new(EDID)
	got := copy(e.Raw[:], candidate[start:])
	// Only the 128-byte base block on the wire: repeat it.
	for got < len(e.Raw) {
		got += copy(e.Raw[got:], e.Raw[:got])
	}
	logger.Info("EDID",
		"manufacturer", e.Manufacturer(),
		"product", fmt.Sprintf("% x", e.Raw[10:12]),
		"serial", fmt.Sprintf("% x", e.Raw[12:16]),
		"week/year", fmt.Sprintf("%d/%d", e.Week(), e.Year()),
		"version", fmt.Sprintf("%d.%d", e.Raw[18], e.Raw[19]))
	return e, nil
}

// Parse wraps a raw image that was obtained elsewhere.
func Parse(raw []byte) (*EDID, error) {
	start := bytes.Index(raw, header)
	if start < 0 {
		return nil, ErrNoEdid
	}
	e := new(EDID)
	got := copy(e.Raw[:], raw[start:])
	for got < len(e.Raw) {
		got += copy(e.Raw[got:], e.Raw[:got])
	}
	return e, nil
}

// Manufacturer decodes the three-letter PNP id packed into bytes 8-9.
func (e *EDID) Manufacturer() string {
	m := uint16(e.Raw[8])<<8 | uint16(e.Raw[9])
	var letters [3]byte
	for i := 2; i >= 0; i-- {
		letters[i] = 'A' - 1 + byte(m&0x1f)
		m >>= 5
	}
	return string(letters[:])
}

// ID derives the stable monitor identifier: the manufacturer letters
// followed by the hex of bytes 10-17 (product code, serial number,
// manufacturing week and year). It names the on-disk delay file.
func (e *EDID) ID() string {
	return fmt.Sprintf("%s%X", e.Manufacturer(), e.Raw[10:18])
}

// Week returns the manufacturing week byte.
func (e *EDID) Week() int { return int(e.Raw[16]) }

// Year returns the manufacturing year.
func (e *EDID) Year() int { return 1990 + int(e.Raw[17]) }
