package i2c

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestSolveCosts(t *testing.T) {
	// fixed 400µs, 100µs per byte.
	m := solveCosts(500*time.Microsecond, 2400*time.Microsecond)
	assert.Equal(t, 100*time.Microsecond, m.PerByte)
	assert.Equal(t, 400*time.Microsecond, m.Fixed)
}

func TestSolveCostsNeverNegative(t *testing.T) {
	// Timing noise can make the long read look cheaper.
	m := solveCosts(2*time.Millisecond, time.Millisecond)
	assert.GreaterOrEqual(t, m.PerByte, time.Duration(0))
	assert.GreaterOrEqual(t, m.Fixed, time.Duration(0))
}

func TestMeasurementSlow(t *testing.T) {
	assert.False(t, Measurement{PerByte: 100 * time.Microsecond, Fixed: 300 * time.Microsecond}.Slow())
	assert.True(t, Measurement{PerByte: 300 * time.Microsecond, Fixed: 300 * time.Microsecond}.Slow())
	assert.True(t, Measurement{PerByte: 100 * time.Microsecond, Fixed: 600 * time.Microsecond}.Slow())
}

func TestTransient(t *testing.T) {
	assert.True(t, transient(unix.ENXIO), "a NAK is worth retrying")
	assert.True(t, transient(fmt.Errorf("read: %w", unix.EREMOTEIO)))
	assert.True(t, transient(unix.ETIMEDOUT))
	assert.False(t, transient(unix.EBADF))
	assert.False(t, transient(unix.ENOENT))
}
