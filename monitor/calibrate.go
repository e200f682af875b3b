package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"d2see.dev/config"
	"d2see.dev/ddcci"
)

const (
	trialRepeat   = 10
	confirmRepeat = 5
	searchSteps   = 5
)

// Calibrate binary-searches the shortest delays this monitor answers
// correctly at, trading startup time for snappy adjustments ever
// after. Brightness is the guinea pig register; the original value is
// restored around every trial.
func (m *Monitor) Calibrate(ctx context.Context) (config.Delays, error) {
	m.log.Info("calibrating delays")
	if _, _, err := m.safeCheck(ctx); err != nil {
		return config.Delays{}, fmt.Errorf("monitor unfit for calibration: %w", err)
	}
	safe := ddcci.DefaultDelay
	r := inflate(m.search(ctx, safe, func(d time.Duration) bool {
		return m.trial(ctx, "read", trialRepeat, d, safe)
	}), 1.5)
	w := inflate(m.search(ctx, safe, func(d time.Duration) bool {
		return m.trial(ctx, "write", trialRepeat, r, d)
	}), 1.5)
	r = inflate(m.search(ctx, r, func(d time.Duration) bool {
		return m.trial(ctx, "read", trialRepeat, d, w)
	}), 1.2)
	w = inflate(m.search(ctx, w, func(d time.Duration) bool {
		return m.trial(ctx, "write", trialRepeat, r, d)
	}), 1.2)
	if err := ctx.Err(); err != nil {
		return config.Delays{}, err
	}
	if !m.trial(ctx, "write", confirmRepeat, r, w) || !m.trial(ctx, "read", confirmRepeat, r, w) {
		return config.Delays{}, errors.New("calibrated delays failed confirmation")
	}
	m.waiter.SetDelayPermanently(r, w)
	m.log.Info("calibration done", "read", r, "write", w)
	return config.Delays{Read: r, Write: w}, nil
}

func inflate(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}

// search narrows from a known-good upper bound towards zero and
// returns the smallest delay that still passed.
func (m *Monitor) search(ctx context.Context, upper time.Duration, f func(time.Duration) bool) time.Duration {
	good, bad := upper, time.Duration(0)
	for i := 0; i < searchSteps; i++ {
		if ctx.Err() != nil {
			return good
		}
		mid := bad + (good-bad)/2
		if f(mid) {
			good = mid
		} else {
			bad = mid
		}
	}
	return good
}

// safeCheck verifies the monitor follows brightness writes at all,
// under the conservative delay. Returns the original brightness and
// its maximum.
func (m *Monitor) safeCheck(ctx context.Context) (orig, max uint16, err error) {
	restore := m.waiter.SafeDelay()
	defer restore()
	v, err := m.mccs.ReadVCPSync(ctx, ddcci.VCPBrightness)
	if err != nil {
		return 0, 0, err
	}
	orig, max = v.Current, v.Max
	probe := orig - 1
	if orig == 0 {
		probe = 1
	}
	for _, want := range []uint16{probe, orig} {
		if err := m.mccs.WriteVCPSync(ctx, ddcci.VCPBrightness, want); err != nil {
			return 0, 0, err
		}
		got, err := m.mccs.ReadVCPSync(ctx, ddcci.VCPBrightness)
		if err != nil {
			return 0, 0, err
		}
		if got.Current != want {
			return 0, 0, fmt.Errorf("brightness stuck at %d, wanted %d", got.Current, want)
		}
	}
	return orig, max, nil
}

// trial runs one test pass at the delay pair (r, w) and restores the
// original brightness afterwards. Any OS error and any mismatch past
// the single forgiveness token count as "delay too short".
func (m *Monitor) trial(ctx context.Context, kind string, repeat int, r, w time.Duration) bool {
	orig, max, err := m.safeCheck(ctx)
	if err != nil {
		return false
	}
	start := time.Now()
	var ok bool
	if kind == "read" {
		ok = m.trialRead(ctx, repeat, max, r, w)
	} else {
		ok = m.trialWrite(ctx, repeat, max, r, w)
	}
	restore := m.waiter.SafeDelay()
	if err := m.mccs.WriteVCPSync(ctx, ddcci.VCPBrightness, orig); err != nil {
		ok = false
	} else if got, err := m.mccs.ReadVCPSync(ctx, ddcci.VCPBrightness); err != nil || got.Current != orig {
		ok = false
	}
	restore()
	result := "FAIL"
	if ok {
		result = "SUCC"
	}
	m.log.Info("calibration trial", "result", result, "kind", kind,
		"read", r, "write", w, "took", time.Since(start))
	return ok
}

// trialRead hammers set-then-read-back at the candidate pacing.
func (m *Monitor) trialRead(ctx context.Context, repeat int, max uint16, r, w time.Duration) bool {
	restore := m.waiter.SetDelay(r, w)
	defer restore()
	tokens := 1
	for i := 0; i < repeat; i++ {
		v := uint16(rand.IntN(int(max) + 1))
		if err := m.mccs.WriteVCPSync(ctx, ddcci.VCPBrightness, v); err != nil {
			return false
		}
		got, err := m.mccs.ReadVCPSync(ctx, ddcci.VCPBrightness)
		if err != nil {
			return false
		}
		if got.Current != v {
			tokens--
			if tokens < 0 {
				return false
			}
		}
	}
	return true
}

// trialWrite fires bursts of writes at the candidate pacing, then
// checks under safe pacing that the last one landed.
func (m *Monitor) trialWrite(ctx context.Context, repeat int, max uint16, r, w time.Duration) bool {
	tokens := 1
	for i := 0; i < repeat; i++ {
		burst := 3 + rand.IntN(6)
		var last uint16
		restore := m.waiter.SetDelay(r, w)
		for j := 0; j < burst; j++ {
			last = uint16(rand.IntN(int(max) + 1))
			if err := m.mccs.WriteVCPSync(ctx, ddcci.VCPBrightness, last); err != nil {
				restore()
				return false
			}
		}
		restore()
		safe := m.waiter.SafeDelay()
		got, err := m.mccs.ReadVCPSync(ctx, ddcci.VCPBrightness)
		safe()
		if err != nil {
			return false
		}
		if got.Current != last {
			tokens--
			if tokens < 0 {
				return false
			}
		}
	}
	return true
}
