package monitor

import (
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"

	"d2see.dev/ddcci"
)

func discard() *log.Logger {
	return log.New(io.Discard)
}

func TestSettingWrite(t *testing.T) {
	s := &Setting{reg: ddcci.VCPBrightness}

	assert.True(t, s.write(50), "a fresh desire changes the landscape")
	assert.Equal(t, 2, s.writingsLeft)
	assert.False(t, s.write(50), "repeating the pending desire changes nothing")
	assert.True(t, s.write(60), "a newer desire replaces the pending one")
	assert.Equal(t, uint16(60), s.desired)
}

func TestSettingWriteOfCurrentValueClearsDesire(t *testing.T) {
	s := &Setting{reg: ddcci.VCPBrightness}
	s.readAck(ddcci.VCPValue{Current: 40, Max: 100}, discard())

	assert.False(t, s.write(40), "writing the confirmed value schedules nothing")
	assert.True(t, s.write(60))
	assert.True(t, s.write(40), "going back to the hardware value drops the desire")
	assert.False(t, s.hasDesired)
	assert.False(t, s.pending())
}

func TestSettingMaxSetOnce(t *testing.T) {
	s := &Setting{reg: ddcci.VCPBrightness}
	s.readAck(ddcci.VCPValue{Current: 40, Max: 100}, discard())
	s.readAck(ddcci.VCPValue{Current: 40, Max: 90}, discard())
	assert.Equal(t, uint16(100), s.max, "a changed maximum is logged and ignored")
}

func TestSettingWriteAckClampsToKnownMax(t *testing.T) {
	s := &Setting{reg: ddcci.VCPBrightness}
	s.readAck(ddcci.VCPValue{Current: 40, Max: 100}, discard())
	s.write(250)

	fire := s.writeAck(discard())
	assert.Equal(t, uint16(100), s.current)
	assert.False(t, s.confirmed)
	assert.Equal(t, 1, s.writingsLeft)
	assert.Empty(t, fire, "no listeners registered")
}

func TestSettingWriteAckWithoutMaxStaysQuiet(t *testing.T) {
	s := &Setting{reg: ddcci.VCPBrightness}
	var got []uint16
	s.addListeners(func(v uint16) { got = append(got, v) }, nil)
	s.write(250)

	// No read yet, no known maximum: the landed value is unknown, so
	// nothing is fanned out until the confirming read.
	assert.Empty(t, s.writeAck(discard()))
	assert.Empty(t, s.writeAck(discard()))
	assert.Empty(t, got)

	// The monitor clamped: one notification, of the real value.
	for _, n := range s.readAck(ddcci.VCPValue{Current: 100, Max: 100}, discard()) {
		n.cb(n.value)
	}
	assert.Equal(t, []uint16{100}, got)
	assert.False(t, s.hasDesired)
	assert.Equal(t, 0, s.writingsLeft)
}

func TestSettingReadAckAbandonsDesireBeyondMax(t *testing.T) {
	s := &Setting{reg: ddcci.VCPBrightness}
	s.readAck(ddcci.VCPValue{Current: 40, Max: 100}, discard())
	s.write(250)
	s.writeAck(discard())
	s.writeAck(discard())
	s.readAck(ddcci.VCPValue{Current: 100, Max: 100}, discard())

	assert.False(t, s.hasDesired)
	assert.Equal(t, 0, s.writingsLeft)
	assert.True(t, s.confirmed)
	assert.False(t, s.pending())
}

func TestSettingReadAckReschedulesMismatch(t *testing.T) {
	s := &Setting{reg: ddcci.VCPBrightness}
	s.readAck(ddcci.VCPValue{Current: 40, Max: 100}, discard())
	s.write(60)
	s.writeAck(discard())
	s.writeAck(discard())
	// The monitor lost the write: schedule another round.
	s.readAck(ddcci.VCPValue{Current: 40, Max: 100}, discard())
	assert.True(t, s.hasDesired)
	assert.Equal(t, 2, s.writingsLeft)
}

func TestSettingListenerCausality(t *testing.T) {
	s := &Setting{reg: ddcci.VCPBrightness}
	var got []uint16
	fire := s.addListeners(func(v uint16) { got = append(got, v) }, nil)
	assert.Empty(t, fire, "nothing known yet")

	for _, n := range s.readAck(ddcci.VCPValue{Current: 40, Max: 100}, discard()) {
		n.cb(n.value)
	}
	s.write(60)
	for _, n := range s.writeAck(discard()) {
		n.cb(n.value)
	}
	for _, n := range s.writeAck(discard()) {
		n.cb(n.value)
	}
	for _, n := range s.readAck(ddcci.VCPValue{Current: 60, Max: 100}, discard()) {
		n.cb(n.value)
	}
	assert.Equal(t, []uint16{40, 60}, got, "one notification per observed change")
}

func TestSettingInvalidateKeepsListenersQuiet(t *testing.T) {
	s := &Setting{reg: ddcci.VCPBrightness}
	var got []uint16
	s.addListeners(func(v uint16) { got = append(got, v) }, nil)
	for _, n := range s.readAck(ddcci.VCPValue{Current: 40, Max: 100}, discard()) {
		n.cb(n.value)
	}
	s.invalidate()
	assert.True(t, s.pending())
	// Re-read comes back unchanged: no notification.
	fire := s.readAck(ddcci.VCPValue{Current: 40, Max: 100}, discard())
	assert.Empty(t, fire)
	assert.Equal(t, []uint16{40}, got)
}

func TestSettingImmediateListeners(t *testing.T) {
	s := &Setting{reg: ddcci.VCPBrightness}
	s.readAck(ddcci.VCPValue{Current: 40, Max: 100}, discard())
	var val, max uint16
	fire := s.addListeners(func(v uint16) { val = v }, func(v uint16) { max = v })
	for _, n := range fire {
		n.cb(n.value)
	}
	assert.Equal(t, uint16(40), val)
	assert.Equal(t, uint16(100), max)
}
