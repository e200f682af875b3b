package monitor

import (
	"time"

	"github.com/charmbracelet/log"

	"d2see.dev/ddcci"
)

// pollInterval paces reads of the new-control-value register.
const pollInterval = time.Second

// changePoller watches VCP 0x52, which names the register most
// recently changed from the monitor's front panel (zero when nothing
// happened). Some monitors keep repeating the same answer until the
// host clears it by writing 1 to register 0x02; whether this monitor
// is one of them is learned through a determinator.
type changePoller struct {
	nextCheck time.Time

	lastNonzero    byte
	hasLast        bool
	resetPending   bool
	resetSinceLast bool

	needsReset *ddcci.Determinator
	supports   *ddcci.Determinator

	lastTouch int
	log       *log.Logger
}

func newChangePoller(logger *log.Logger) *changePoller {
	return &changePoller{
		needsReset: ddcci.NewDeterminator("needs-reset52", false, 4, 1, logger),
		supports:   ddcci.NewDeterminator("supports52", true, 1, 3, logger),
		log:        logger,
	}
}

// active reports whether polling should still be scheduled.
func (p *changePoller) active() bool {
	return p.supports.Value()
}

func (p *changePoller) task(now time.Time) task {
	if p.resetPending {
		return task{kind: opWrite, reg: ddcci.VCPNewControlReset, value: 1}
	}
	if now.Before(p.nextCheck) {
		return task{kind: opWait, wait: p.nextCheck.Sub(now)}
	}
	return task{kind: opRead, reg: ddcci.VCPNewControlValue}
}

func (p *changePoller) priority() priority {
	writes := 0
	if p.resetPending {
		writes = 1
	}
	return priority{writingsLeft: writes, lastTouch: p.lastTouch}
}

// readAck digests a 0x52 reply and returns the register to refresh, if
// any.
func (p *changePoller) readAck(v ddcci.VCPValue, now time.Time) (byte, bool) {
	p.supports.Observe(true)
	p.nextCheck = now.Add(pollInterval)
	changed := byte(v.Current)
	if changed == 0 {
		if p.hasLast && !p.resetSinceLast {
			// Cleared without our help.
			p.needsReset.Observe(false)
		}
		p.hasLast = false
		return 0, false
	}
	repeat := p.hasLast && p.lastNonzero == changed && !p.resetSinceLast
	if repeat {
		// Same answer again without an intervening clear: evidence
		// that this monitor wants the explicit reset.
		p.needsReset.Observe(true)
	}
	if p.needsReset.Value() || (repeat && !p.needsReset.Locked()) {
		p.resetPending = true
	}
	p.hasLast, p.lastNonzero = true, changed
	p.resetSinceLast = false
	return changed, true
}

// resetAck records that the clearing write went out.
func (p *changePoller) resetAck() {
	p.resetPending = false
	p.resetSinceLast = true
}

// unsupported records a reply saying the monitor does not implement
// 0x52; three of those lock polling off.
func (p *changePoller) unsupported(now time.Time) {
	p.supports.Observe(false)
	p.nextCheck = now.Add(pollInterval)
	if !p.active() {
		p.log.Info("monitor does not report front-panel changes, polling stopped")
	}
}
