// package i2c opens Linux /dev/i2c-N device nodes and issues raw byte
// transfers against a bound slave address.
//
// DDC/CI needs plain read()/write() calls separated by host-side
// delays, not combined I2C_RDWR transactions, so the bus keeps its own
// file descriptor instead of going through a transaction API.
package i2c

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// I2C-dev control selector binding the fd to a 7-bit slave address.
// See /usr/include/linux/i2c-dev.h.
const ioctlSlave = 0x0703

// Mode selects the retry behavior of a Bus.
type Mode int

const (
	// Strict issues a single attempt and surfaces the first failure.
	Strict Mode = iota
	// Resilient makes up to five attempts, retrying on transient bus
	// errors.
	// Monitors NAK transiently all the time, so both EDID probing and
	// DDC/CI traffic use this mode.
	Resilient
)

const maxAttempts = 5

// Bus is an open /dev/i2c-N node bound to one slave address.
type Bus struct {
	f    *os.File
	node string
	addr uint16
	mode Mode
	log  *log.Logger
}

// Open opens node read-write and binds it to the 7-bit slave addr.
func Open(node string, addr uint16, mode Mode, logger *log.Logger) (*Bus, error) {
	f, err := os.OpenFile(node, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("i2c: %w", err)
	}
	if err := unix.IoctlSetInt(int(f.Fd()), ioctlSlave, int(addr)); err != nil {
		f.Close()
		return nil, fmt.Errorf("i2c: %s: bind slave 0x%02x: %w", node, addr, err)
	}
	return &Bus{f: f, node: node, addr: addr, mode: mode, log: logger}, nil
}

func (b *Bus) Close() error {
	return b.f.Close()
}

func (b *Bus) String() string {
	return fmt.Sprintf("%s@0x%02x", b.node, b.addr)
}

// transient reports whether err is worth retrying in resilient mode.
// ENXIO and EREMOTEIO are how i2c-dev reports a NAK; EAGAIN and
// ETIMEDOUT show up on busy or slow buses.
func transient(err error) bool {
	for _, e := range []error{unix.ENXIO, unix.EREMOTEIO, unix.EAGAIN, unix.ETIMEDOUT, unix.EIO} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// Read reads up to n bytes from the bound slave.
func (b *Bus) Read(n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := b.attempt(func() (int, error) {
		return b.f.Read(buf)
	})
	if err != nil {
		return nil, fmt.Errorf("i2c: %s: read: %w", b, err)
	}
	return buf[:got], nil
}

// Write writes p to the bound slave and returns the count transferred.
func (b *Bus) Write(p []byte) (int, error) {
	n, err := b.attempt(func() (int, error) {
		return b.f.Write(p)
	})
	if err != nil {
		return n, fmt.Errorf("i2c: %s: write: %w", b, err)
	}
	return n, nil
}

func (b *Bus) attempt(op func() (int, error)) (int, error) {
	attempts := 1
	if b.mode == Resilient {
		attempts = maxAttempts
	}
	var n int
	var err error
	for i := 0; i < attempts; i++ {
		n, err = op()
		if err == nil {
			if i > 0 {
				b.log.Debug("bus transfer succeeded after retries", "bus", b.String(), "attempts", i+1)
			}
			return n, nil
		}
		if !transient(err) {
			break
		}
	}
	return n, err
}

// Thresholds above which a bus is considered unusually slow.
const (
	slowPerByte = 230 * time.Microsecond
	slowFixed   = 500 * time.Microsecond
)

// Measurement holds the solved read cost model of a bus.
type Measurement struct {
	PerByte time.Duration
	Fixed   time.Duration
}

// Slow reports whether the bus is too slow for comfortable DDC/CI
// traffic.
func (m Measurement) Slow() bool {
	return m.PerByte > slowPerByte || m.Fixed > slowFixed
}

func (m Measurement) String() string {
	return fmt.Sprintf("%v/byte + %v", m.PerByte, m.Fixed)
}

// Measure times reads of 1 and 20 bytes on the bound slave and solves
// for the per-byte and fixed read cost. It is meant to run against the
// EDID EEPROM, which tolerates reads at any time.
func (b *Bus) Measure() (Measurement, error) {
	const rounds = 5
	t1, err := b.timeRead(1, rounds)
	if err != nil {
		return Measurement{}, err
	}
	t20, err := b.timeRead(20, rounds)
	if err != nil {
		return Measurement{}, err
	}
	m := solveCosts(t1, t20)
	if m.Slow() {
		b.log.Warn("unusually slow i2c bus", "bus", b.String(), "cost", m.String())
	}
	return m, nil
}

func (b *Bus) timeRead(n, rounds int) (time.Duration, error) {
	best := time.Duration(0)
	for i := 0; i < rounds; i++ {
		start := time.Now()
		if _, err := b.Read(n); err != nil {
			return 0, err
		}
		d := time.Since(start)
		if best == 0 || d < best {
			best = d
		}
	}
	return best, nil
}

// solveCosts solves t1 = fixed + 1*b, t20 = fixed + 20*b.
func solveCosts(t1, t20 time.Duration) Measurement {
	perByte := (t20 - t1) / 19
	if perByte < 0 {
		perByte = 0
	}
	fixed := t1 - perByte
	if fixed < 0 {
		fixed = 0
	}
	return Measurement{PerByte: perByte, Fixed: fixed}
}
