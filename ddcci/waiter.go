package ddcci

import "time"

// Kind is the direction of a bus operation as the Waiter sees it.
type Kind byte

const (
	KindRead  Kind = 'r'
	KindWrite Kind = 'w'
)

// DefaultDelay is the conservative delay used before a monitor has
// calibrated values, and the delay SafeDelay pins.
const DefaultDelay = 200 * time.Millisecond

// capabilitiesExtra is added on top of the succession delay when the
// expected reply is a capabilities fragment; monitors take their time
// assembling those.
const capabilitiesExtra = 50 * time.Millisecond

// saveExtra is how long a monitor may need to commit settings to its
// EEPROM after a SAVE.
const saveExtra = 200 * time.Millisecond

// Waiter tracks the last bus operation and enforces the per-succession
// delay before the next one. Successions are keyed read/write →
// read/write: RR is free, WR uses the read delay, WW the write delay
// and RW the larger of the two.
type Waiter struct {
	lastKind Kind
	lastTime time.Time
	read     time.Duration
	write    time.Duration
	extra    time.Duration

	// now is a test hook.
	now func() time.Time
}

// NewWaiter returns a Waiter with the given read and write delays.
func NewWaiter(read, write time.Duration) *Waiter {
	return &Waiter{
		lastKind: KindRead,
		read:     read,
		write:    write,
		now:      time.Now,
	}
}

func (w *Waiter) delay(kind Kind) time.Duration {
	switch {
	case w.lastKind == KindRead && kind == KindRead:
		return 0
	case w.lastKind == KindWrite && kind == KindRead:
		return w.read
	case w.lastKind == KindWrite && kind == KindWrite:
		return w.write
	default: // read → write
		if w.read > w.write {
			return w.read
		}
		return w.write
	}
}

// Prepare either returns a WouldBlock telling the caller how long to
// wait before retrying, or records kind as the last operation and
// permits the caller to hit the bus immediately. hint is the reply
// opcode the caller is about to wait for, or zero.
func (w *Waiter) Prepare(kind Kind, hint Op) error {
	d := w.delay(kind) + w.extra
	if hint == OpCapabilitiesReply {
		d += capabilitiesExtra
	}
	now := w.now()
	if due := w.lastTime.Add(d); now.Before(due) {
		return &WouldBlock{Wait: due.Sub(now)}
	}
	w.lastKind = kind
	w.lastTime = now
	w.extra = 0
	return nil
}

// Penalty adds a one-shot extra delay before the next operation,
// regardless of succession.
func (w *Waiter) Penalty(d time.Duration) {
	if d > w.extra {
		w.extra = d
	}
}

// SetDelayPermanently replaces the delay pair.
func (w *Waiter) SetDelayPermanently(read, write time.Duration) {
	w.read = read
	w.write = write
}

// SetDelay installs a scoped override. The returned restore function
// must be called on every exit path; defer it.
func (w *Waiter) SetDelay(read, write time.Duration) (restore func()) {
	savedR, savedW := w.read, w.write
	w.read, w.write = read, write
	return func() {
		w.read, w.write = savedR, savedW
	}
}

// SafeDelay scopes in the conservative delay pair used for
// diagnostics and calibration reference runs.
func (w *Waiter) SafeDelay() (restore func()) {
	return w.SetDelay(DefaultDelay, DefaultDelay)
}

// Delays returns the current delay pair.
func (w *Waiter) Delays() (read, write time.Duration) {
	return w.read, w.write
}
