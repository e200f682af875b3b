package monitor

import (
	"context"
	"errors"
	"time"

	"d2see.dev/config"
	"d2see.dev/ddcci"
)

// errorBackoff spaces retries after a real bus or protocol error so a
// dead monitor does not busy-loop the scheduler. The failing operation
// stays in schedule with unchanged priority.
const errorBackoff = time.Second

// Run calibrates the monitor if it never was, then drives the
// scheduler loop until ctx is cancelled. The bus handle is released on
// return.
func (m *Monitor) Run(ctx context.Context) error {
	if m.closer != nil {
		defer m.closer.Close()
	}
	if !m.calibrated {
		if err := m.runCalibration(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warn("calibration failed, staying on safe delays", "err", err)
		}
	}
	return m.loop(ctx)
}

// Recalibrate forces a fresh calibration on the next Run.
func (m *Monitor) Recalibrate() {
	m.calibrated = false
}

func (m *Monitor) runCalibration(ctx context.Context) error {
	d, err := m.Calibrate(ctx)
	if err != nil {
		return err
	}
	m.delays = d
	if err := config.SaveDelays(m.id, d); err != nil {
		m.log.Warn("cannot persist calibrated delays", "err", err)
	}
	m.calibrated = true
	return nil
}

// loop is the cooperative scheduler: pick the highest-priority pending
// operation, drive it through one non-blocking MCCS primitive, sleep
// exactly as long as the hardware demands.
func (m *Monitor) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, s := m.pick(time.Now())
		switch t.kind {
		case opWait:
			if err := m.idle(ctx, t.wait); err != nil {
				return err
			}
		case opRead:
			v, err := m.mccs.ReadVCP(t.reg)
			if wb, ok := ddcci.AsWouldBlock(err); ok {
				if err := m.idle(ctx, wb.Wait); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				if err := m.nack(ctx, t, s, err); err != nil {
					return err
				}
				continue
			}
			m.ackRead(s, v)
		case opWrite:
			err := m.mccs.WriteVCP(t.reg, t.value)
			if wb, ok := ddcci.AsWouldBlock(err); ok {
				if err := m.idle(ctx, wb.Wait); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				if err := m.nack(ctx, t, s, err); err != nil {
					return err
				}
				continue
			}
			m.ackWrite(s)
		}
	}
}

// idle sleeps for d, or until something changes the priority
// landscape. d == 0 means wait for a wakeup alone.
func (m *Monitor) idle(ctx context.Context, d time.Duration) error {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.wake:
		return nil
	case <-timeout:
		return nil
	}
}

// pick selects the next task: the highest-priority pending Setting, or
// the change poller when it outranks them or nothing else is due.
func (m *Monitor) pick(now time.Time) (task, *Setting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prepVCP, hasPrep := m.mccs.Prepared()
	var best *Setting
	var bestPrio priority
	for _, reg := range m.regs {
		s := m.settings[reg]
		if !s.pending() {
			continue
		}
		p := s.priority(prepVCP, hasPrep)
		if best == nil || p.beats(bestPrio) {
			best, bestPrio = s, p
		}
	}
	if m.poller.active() {
		pt := m.poller.task(now)
		if pt.kind != opWait {
			p := m.poller.priority()
			p.prepared = hasPrep && prepVCP == ddcci.VCPNewControlValue
			if best == nil || p.beats(bestPrio) {
				return pt, nil
			}
		} else if best == nil {
			return pt, nil
		}
	}
	if best != nil {
		return best.task(), best
	}
	return task{kind: opWait}, nil
}

// ackRead applies a completed read. s == nil means the poller asked.
func (m *Monitor) ackRead(s *Setting, v ddcci.VCPValue) {
	var fire []notification
	m.mu.Lock()
	m.seq++
	if s != nil {
		s.lastTouch = m.seq
		fire = s.readAck(v, m.log)
	} else {
		m.poller.lastTouch = m.seq
		if reg, ok := m.poller.readAck(v, time.Now()); ok {
			if cs, exists := m.settings[reg]; exists {
				m.log.Debug("front-panel change", "register", regName(reg))
				cs.invalidate()
			} else {
				m.log.Info("front panel changed untracked register", "register", regName(reg))
			}
		}
	}
	m.mu.Unlock()
	for _, n := range fire {
		n.cb(n.value)
	}
}

// ackWrite applies a completed write. s == nil means it was the
// poller's 0x52 clearing write.
func (m *Monitor) ackWrite(s *Setting) {
	var fire []notification
	m.mu.Lock()
	m.seq++
	if s != nil {
		s.lastTouch = m.seq
		fire = s.writeAck(m.log)
	} else {
		m.poller.lastTouch = m.seq
		m.poller.resetAck()
	}
	m.mu.Unlock()
	for _, n := range fire {
		n.cb(n.value)
	}
}

// nack handles a failed operation: the task stays in schedule and the
// next pass retries it through the ordinary priority mechanism.
func (m *Monitor) nack(ctx context.Context, t task, s *Setting, err error) error {
	if s == nil && t.reg == ddcci.VCPNewControlValue {
		var unsup *ddcci.UnsupportedError
		if errors.As(err, &unsup) {
			m.mu.Lock()
			m.poller.unsupported(time.Now())
			m.mu.Unlock()
			return nil
		}
		m.mu.Lock()
		m.poller.nextCheck = time.Now().Add(pollInterval)
		m.mu.Unlock()
	}
	m.log.Error("operation failed, keeping it scheduled", "register", regName(t.reg), "err", err)
	return m.idle(ctx, errorBackoff)
}
