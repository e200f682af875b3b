package ddcci

import "github.com/charmbracelet/log"

// A Determinator is a boolean that starts out fluent and locks to a
// definite value once enough corroborating observations pile up. A
// counter moves between -no and +yes in yesStep/noStep increments;
// reaching either endpoint locks the value for good. Until then Value
// reports the default.
type Determinator struct {
	name    string
	def     bool
	yes, no int
	yesStep int
	noStep  int
	log     *log.Logger

	count  int
	locked bool
	value  bool
}

// NewDeterminator returns a fluent boolean named name for logging.
// yes and no are the lock thresholds; steps default to 1.
func NewDeterminator(name string, def bool, yes, no int, logger *log.Logger) *Determinator {
	return &Determinator{name: name, def: def, yes: yes, no: no, yesStep: 1, noStep: 1, log: logger}
}

// Steps overrides the per-observation increments. A step at least as
// large as the matching threshold makes a single observation lock.
func (d *Determinator) Steps(yesStep, noStep int) *Determinator {
	d.yesStep = yesStep
	d.noStep = noStep
	return d
}

// Observe feeds one observation. Observations after locking are
// no-ops.
func (d *Determinator) Observe(v bool) {
	if d.locked {
		return
	}
	if v {
		d.count += d.yesStep
	} else {
		d.count -= d.noStep
	}
	switch {
	case d.count >= d.yes:
		d.locked, d.value = true, true
	case d.count <= -d.no:
		d.locked, d.value = true, false
	}
	if d.locked {
		d.log.Debug("determinator locked", "name", d.name, "value", d.value)
	}
}

// Lock forces a definite value, as quirks overrides do.
func (d *Determinator) Lock(v bool) {
	d.locked, d.value = true, v
}

// Value reports the current belief: the locked value, or the default
// while still fluent.
func (d *Determinator) Value() bool {
	if d.locked {
		return d.value
	}
	return d.def
}

// Locked reports whether the value is final.
func (d *Determinator) Locked() bool { return d.locked }
