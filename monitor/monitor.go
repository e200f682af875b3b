package monitor

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"d2see.dev/config"
	"d2see.dev/ddcci"
	"d2see.dev/edid"
	"d2see.dev/i2c"
)

// Monitor is one attached monitor and its controller state. Once Run
// is going, its scheduler loop owns all protocol traffic; Write,
// AddListeners and the brightness/contrast setters are safe to call
// from other goroutines. Calibrate talks to the bus directly and
// Recalibrate is unsynchronized, so neither may run alongside Run.
type Monitor struct {
	id     string
	edid   *edid.EDID
	closer io.Closer
	waiter *ddcci.Waiter
	mccs   *ddcci.Mccs
	log    *log.Logger

	delays     config.Delays
	calibrated bool

	mu       sync.Mutex
	settings map[byte]*Setting
	regs     []byte
	seq      int
	poller   *changePoller
	wake     chan struct{}
}

// Options configures the coldplug scan.
type Options struct {
	// Buses restricts the scan to these bus numbers; nil scans all.
	Buses []int
	// ForceCalibration reruns calibration even with a delay file
	// present.
	ForceCalibration bool
	Logger           *log.Logger
}

// Scan probes every I²C bus for a monitor EEPROM and returns a
// controller for each monitor found. Buses that cannot be opened or
// carry no EDID are skipped quietly; monitors come and go and not
// every i2c node belongs to one.
func Scan(opts Options) ([]*Monitor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	quirks := config.LoadQuirks(logger)
	var monitors []*Monitor
	for _, ref := range i2creg.All() {
		if ref.Number < 0 {
			continue
		}
		if quirks.SkipBus(ref.Number) {
			logger.Debug("bus quirked out of scan", "bus", ref.Number)
			continue
		}
		if len(opts.Buses) > 0 && !contains(opts.Buses, ref.Number) {
			continue
		}
		node := fmt.Sprintf("/dev/i2c-%d", ref.Number)
		m, err := probe(node, quirks, logger)
		if err != nil {
			if !errors.Is(err, edid.ErrNoEdid) {
				logger.Debug("no monitor", "bus", node, "err", err)
			}
			continue
		}
		if opts.ForceCalibration {
			m.Recalibrate()
		}
		logger.Info("monitor found", "bus", node, "id", m.id)
		monitors = append(monitors, m)
	}
	return monitors, nil
}

func contains(ns []int, n int) bool {
	for _, v := range ns {
		if v == n {
			return true
		}
	}
	return false
}

func probe(node string, quirks config.Quirks, logger *log.Logger) (*Monitor, error) {
	eb, err := i2c.Open(node, edid.SlaveAddr, i2c.Resilient, logger)
	if err != nil {
		return nil, err
	}
	e, err := edid.Probe(eb, logger)
	eb.Close()
	if err != nil {
		return nil, err
	}
	db, err := i2c.Open(node, ddcci.SlaveAddr, i2c.Resilient, logger)
	if err != nil {
		return nil, err
	}
	return New(e, db, db, quirks.For(e.ID()), logger), nil
}

// New assembles a controller for a monitor reachable through bus.
// closer, if non-nil, is released when Run returns. Tests pass a
// simulated bus.
func New(e *edid.EDID, bus ddcci.Bus, closer io.Closer, quirks config.MonitorQuirks, logger *log.Logger) *Monitor {
	id := e.ID()
	logger = logger.With("monitor", id)
	delays, calibrated := config.LoadDelays(id)
	waiter := ddcci.NewWaiter(delays.Read, delays.Write)
	chopped := ddcci.NewDeterminator("chopped-reads", true, 1, 2, logger)
	if quirks.ChoppedReads != nil {
		chopped.Lock(*quirks.ChoppedReads)
	}
	reader := ddcci.NewReader(bus, chopped, logger)
	poller := newChangePoller(logger)
	if quirks.NeedsReset52 != nil {
		poller.needsReset.Lock(*quirks.NeedsReset52)
	}
	if quirks.Supports52 != nil {
		poller.supports.Lock(*quirks.Supports52)
	}
	return &Monitor{
		id:         id,
		edid:       e,
		closer:     closer,
		waiter:     waiter,
		mccs:       ddcci.New(bus, waiter, reader, logger),
		log:        logger,
		delays:     delays,
		calibrated: calibrated,
		settings:   make(map[byte]*Setting),
		poller:     poller,
		wake:       make(chan struct{}, 1),
	}
}

// ID is the stable EDID-derived monitor identifier.
func (m *Monitor) ID() string { return m.id }

// EDID returns the raw 256-byte EDID image, for correlating the
// monitor with window-system outputs.
func (m *Monitor) EDID() [256]byte { return m.edid.Raw }

// settingLocked returns the Setting for reg, creating it lazily.
// Callers hold m.mu.
func (m *Monitor) settingLocked(reg byte) *Setting {
	s, ok := m.settings[reg]
	if !ok {
		s = &Setting{reg: reg}
		m.settings[reg] = s
		m.regs = append(m.regs, reg)
	}
	return s
}

// Write asks for reg to take value, fire and forget. The scheduler
// confirms the write against the hardware and notifies listeners.
func (m *Monitor) Write(reg byte, value uint16) {
	m.mu.Lock()
	changed := m.settingLocked(reg).write(value)
	m.mu.Unlock()
	if changed {
		m.signal()
	}
}

// AddListeners registers callbacks for reg. onValue fires on every
// observed value change (immediately when the value is already known);
// onMax fires once, as soon as the register's maximum is known. The
// immediate calls run on the caller's goroutine before AddListeners
// returns; later ones run synchronously on the scheduler goroutine and
// must not block.
func (m *Monitor) AddListeners(reg byte, onValue, onMax func(uint16)) {
	m.mu.Lock()
	s := m.settingLocked(reg)
	fire := s.addListeners(onValue, onMax)
	m.mu.Unlock()
	for _, n := range fire {
		n.cb(n.value)
	}
	m.signal()
}

// SetBrightness adjusts VCP 0x10.
func (m *Monitor) SetBrightness(value uint16) { m.Write(ddcci.VCPBrightness, value) }

// SetContrast adjusts VCP 0x12.
func (m *Monitor) SetContrast(value uint16) { m.Write(ddcci.VCPContrast, value) }

func (m *Monitor) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
