// package monitor drives one controller per attached monitor: a
// settings store with write confirmation and listener fanout, a
// priority scheduler over the non-blocking MCCS primitives, a poller
// for front-panel changes and the delay calibration that makes slow
// monitors bearable.
package monitor

import (
	"time"

	"github.com/charmbracelet/log"

	"d2see.dev/ddcci"
)

// Setting is the per-register state machine: the value we believe the
// hardware holds, the value the application wants it to hold, and the
// bookkeeping that turns the difference into scheduled operations.
type Setting struct {
	reg byte

	current    uint16
	hasCurrent bool
	desired    uint16
	hasDesired bool
	// confirmed means current was just read back from the hardware.
	confirmed    bool
	writingsLeft int
	max          uint16
	hasMax       bool

	// notified is the last value fanned out to listeners; a 0x52
	// invalidation keeps it so an unchanged re-read stays quiet.
	notified    uint16
	hasNotified bool

	lastTouch int

	valueListeners []func(uint16)
	maxListeners   []func(uint16)
}

// notification is a listener call collected under the store lock and
// fired outside it.
type notification struct {
	cb    func(uint16)
	value uint16
}

// write records the application's wish. It reports whether the
// priority landscape changed and the scheduler needs a wakeup.
func (s *Setting) write(value uint16) bool {
	if s.hasDesired && s.desired == value {
		return false
	}
	if s.hasCurrent && value == s.current {
		changed := s.hasDesired
		s.hasDesired = false
		s.writingsLeft = 0
		return changed
	}
	s.desired, s.hasDesired = value, true
	s.writingsLeft = 2
	return true
}

// pending reports whether the setting wants bus time.
func (s *Setting) pending() bool {
	return (s.hasDesired && s.writingsLeft > 0) || !s.confirmed
}

// task picks the operation the setting wants next. Writes, including
// confirmation retries, come before the read that confirms them.
func (s *Setting) task() task {
	if s.hasDesired && s.writingsLeft > 0 {
		return task{kind: opWrite, reg: s.reg, value: s.desired}
	}
	return task{kind: opRead, reg: s.reg}
}

// readAck folds a hardware read into the state machine and returns the
// listener calls it triggers.
func (s *Setting) readAck(v ddcci.VCPValue, logger *log.Logger) []notification {
	var fire []notification
	if !s.hasMax {
		s.max, s.hasMax = v.Max, true
		for _, cb := range s.maxListeners {
			fire = append(fire, notification{cb, s.max})
		}
		s.maxListeners = nil
	} else if s.max != v.Max {
		logger.Warn("monitor changed its reported maximum", "register", regName(s.reg), "was", s.max, "now", v.Max)
	}
	if s.hasDesired {
		switch {
		case s.desired == v.Current:
			s.hasDesired = false
			s.writingsLeft = 0
		case s.desired > s.max:
			logger.Info("abandoning write beyond maximum", "register", regName(s.reg), "desired", s.desired, "max", s.max)
			s.hasDesired = false
			s.writingsLeft = 0
		default:
			s.writingsLeft = 2
		}
	}
	s.current, s.hasCurrent = v.Current, true
	s.confirmed = true
	if !s.hasNotified || s.notified != v.Current {
		s.notified, s.hasNotified = v.Current, true
		for _, cb := range s.valueListeners {
			fire = append(fire, notification{cb, v.Current})
		}
	}
	return fire
}

// writeAck folds a completed hardware write into the state machine.
// The monitor clamps writes beyond its maximum, so current is clamped
// too when the maximum is known; while it is not, the value that
// actually landed is anyone's guess and the notification waits for
// the confirming read.
func (s *Setting) writeAck(logger *log.Logger) []notification {
	v := s.desired
	if s.hasMax && v > s.max {
		v = s.max
	}
	s.current, s.hasCurrent = v, true
	s.confirmed = false
	if s.writingsLeft > 0 {
		s.writingsLeft--
	}
	if !s.hasMax {
		return nil
	}
	var fire []notification
	if !s.hasNotified || s.notified != v {
		s.notified, s.hasNotified = v, true
		for _, cb := range s.valueListeners {
			fire = append(fire, notification{cb, v})
		}
	}
	return fire
}

// invalidate throws away the cached value after an external change so
// a fresh read gets scheduled. The notified value survives: if the
// re-read comes back unchanged, listeners stay quiet.
func (s *Setting) invalidate() {
	s.confirmed = false
	s.hasCurrent = false
}

// addListeners registers callbacks and returns the ones to fire
// immediately for already-known state. The max listener is one-shot.
func (s *Setting) addListeners(onValue, onMax func(uint16)) []notification {
	var fire []notification
	if onValue != nil {
		s.valueListeners = append(s.valueListeners, onValue)
		if s.hasCurrent {
			fire = append(fire, notification{onValue, s.current})
		}
	}
	if onMax != nil {
		if s.hasMax {
			fire = append(fire, notification{onMax, s.max})
		} else {
			s.maxListeners = append(s.maxListeners, onMax)
		}
	}
	return fire
}

// task is what an entity hands the scheduler: one of three variants.
type taskKind int

const (
	opWait taskKind = iota
	opRead
	opWrite
)

type task struct {
	kind  taskKind
	reg   byte
	value uint16
	// wait is how long the scheduler should sleep for an opWait; zero
	// means until an external wakeup.
	wait time.Duration
}

// priority is the comparison tuple; bigger wins. Writes dominate
// reads, unconfirmed reads beat confirmed rereads, an already-prepared
// read gets finished before switching registers, and ties round-robin
// by least recent interaction.
type priority struct {
	writingsLeft int
	unconfirmed  bool
	prepared     bool
	lastTouch    int
}

func (p priority) beats(q priority) bool {
	if p.writingsLeft != q.writingsLeft {
		return p.writingsLeft > q.writingsLeft
	}
	if p.unconfirmed != q.unconfirmed {
		return p.unconfirmed
	}
	if p.prepared != q.prepared {
		return p.prepared
	}
	return p.lastTouch < q.lastTouch
}

func (s *Setting) priority(preparedVCP byte, hasPrepared bool) priority {
	return priority{
		writingsLeft: s.writingsLeft,
		unconfirmed:  !s.confirmed,
		prepared:     hasPrepared && preparedVCP == s.reg,
		lastTouch:    s.lastTouch,
	}
}

func regName(reg byte) string {
	switch reg {
	case ddcci.VCPBrightness:
		return "brightness"
	case ddcci.VCPContrast:
		return "contrast"
	case ddcci.VCPNewControlValue:
		return "new-control-value"
	case ddcci.VCPNewControlReset:
		return "new-control-reset"
	default:
		return "0x" + hexByte(reg)
	}
}

func hexByte(b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0xf]})
}
