package monitor

import (
	"io"
	"sync"
	"testing"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"

	"d2see.dev/config"
	"d2see.dev/ddcci"
	"d2see.dev/edid"
)

// simMonitor is a monitor behind a fake bus: a handful of VCP
// registers, the 0x52 change register and faithful DDC/CI framing.
type simMonitor struct {
	mu     sync.Mutex
	regs   map[byte]*simReg
	reply  []byte
	frames [][]byte

	newControl byte
	sticky52   bool
	support52  bool

	err error
}

type simReg struct {
	value, max uint16
}

func newSim() *simMonitor {
	return &simMonitor{
		regs: map[byte]*simReg{
			ddcci.VCPBrightness: {value: 30, max: 100},
			ddcci.VCPContrast:   {value: 40, max: 100},
		},
		support52: true,
	}
}

func (s *simMonitor) String() string { return "sim" }

func (s *simMonitor) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *simMonitor) set(reg byte, value uint16) {
	s.mu.Lock()
	s.regs[reg].value = value
	s.newControl = reg
	s.mu.Unlock()
}

func (s *simMonitor) sentFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *simMonitor) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.frames = append(s.frames, append([]byte(nil), p...))
	payload := p[2 : len(p)-1]
	switch ddcci.Op(payload[0]) {
	case ddcci.OpRead:
		vcp := payload[1]
		if vcp == ddcci.VCPNewControlValue {
			if !s.support52 {
				s.reply = ddcci.EncodeReply([]byte{byte(ddcci.OpReadReply), 1, vcp, 0, 0, 0, 0, 0})
				break
			}
			s.reply = ddcci.EncodeReply([]byte{
				byte(ddcci.OpReadReply), 0, vcp, 0, 0, 0xff, 0, s.newControl,
			})
			if !s.sticky52 {
				s.newControl = 0
			}
			break
		}
		r, ok := s.regs[vcp]
		if !ok {
			s.reply = ddcci.EncodeReply([]byte{byte(ddcci.OpReadReply), 1, vcp, 0, 0, 0, 0, 0})
			break
		}
		s.reply = ddcci.EncodeReply([]byte{
			byte(ddcci.OpReadReply), 0, vcp, 0,
			byte(r.max >> 8), byte(r.max), byte(r.value >> 8), byte(r.value),
		})
	case ddcci.OpWrite:
		vcp := payload[1]
		v := uint16(payload[2])<<8 | uint16(payload[3])
		if vcp == ddcci.VCPNewControlReset && v == 1 {
			s.newControl = 0
			break
		}
		if r, ok := s.regs[vcp]; ok {
			if v > r.max {
				v = r.max
			}
			r.value = v
		}
	}
	return len(p), nil
}

func (s *simMonitor) Read(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.reply == nil {
		return ddcci.EncodeReply(nil), nil
	}
	r := s.reply
	if n < len(r) {
		s.reply = r[n:]
		r = r[:n]
	} else {
		s.reply = nil
	}
	return r, nil
}

func simEDID(t *testing.T) *edid.EDID {
	t.Helper()
	img := make([]byte, 256)
	copy(img, []byte{0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00})
	img[8], img[9] = 0x1e, 0x6d
	copy(img[10:18], []byte{0x77, 0x01, 0x00, 0x01, 0x01, 0x01, 0x20, 0x23})
	e, err := edid.Parse(img)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// newTestMonitor builds a controller over a simulated bus with zeroed
// delays so tests run at full speed. The XDG environment is redirected
// so no real config leaks in.
func newTestMonitor(t *testing.T, sim *simMonitor, quirks config.MonitorQuirks) *Monitor {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_DIRS", t.TempDir())
	xdg.Reload()
	t.Cleanup(xdg.Reload)
	m := New(simEDID(t), sim, nil, quirks, log.New(io.Discard))
	m.waiter.SetDelayPermanently(0, 0)
	m.calibrated = true
	return m
}

func no52() config.MonitorQuirks {
	f := false
	return config.MonitorQuirks{Supports52: &f}
}
