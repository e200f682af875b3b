package ddcci

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

// Well-known VCP registers.
const (
	VCPBrightness      byte = 0x10
	VCPContrast        byte = 0x12
	VCPNewControlReset byte = 0x02
	VCPNewControlValue byte = 0x52
)

// VCPValue is the result of a VCP read.
type VCPValue struct {
	Current uint16
	Max     uint16
	Type    byte
}

// TimingReport is the reply to a TIMING_REQUEST.
type TimingReport struct {
	Status     byte
	Horizontal uint16
	Vertical   uint16
}

// pendingKind tracks what request is on the wire awaiting its reply.
type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingRead
	pendingCapabilities
	pendingTiming
)

// Mccs turns high-level VCP requests into frames. All primitives are
// non-blocking: instead of sleeping out the inter-operation delay they
// return a WouldBlock and expect to be called again; Await is the
// adapter that turns one into a blocking call.
//
// A submitted READ is remembered as the read preparation: the next
// ReadVCP for the same register skips the submission and goes straight
// to expecting the reply. Any error other than WouldBlock invalidates
// the preparation, as does a completed read or write.
type Mccs struct {
	bus    Bus
	waiter *Waiter
	reader *Reader
	log    *log.Logger

	pending pendingKind
	vcp     byte
	offset  uint16
}

// New assembles the request layer for one monitor.
func New(bus Bus, waiter *Waiter, reader *Reader, logger *log.Logger) *Mccs {
	return &Mccs{bus: bus, waiter: waiter, reader: reader, log: logger}
}

// Waiter exposes the monitor's waiter for scoped delay overrides.
func (m *Mccs) Waiter() *Waiter { return m.waiter }

// Prepared reports the register of the outstanding read preparation,
// if any. The scheduler uses it to finish a prepared read before
// switching registers.
func (m *Mccs) Prepared() (byte, bool) {
	if m.pending == pendingRead {
		return m.vcp, true
	}
	return 0, false
}

func (m *Mccs) invalidate() {
	m.pending = pendingNone
}

// note invalidates the preparation on any real error; WouldBlock keeps
// it alive.
func (m *Mccs) note(err error) {
	if err == nil {
		return
	}
	if _, ok := AsWouldBlock(err); ok {
		return
	}
	m.invalidate()
}

func (m *Mccs) submit(payload ...byte) error {
	if err := m.waiter.Prepare(KindWrite, 0); err != nil {
		return err
	}
	frame := Encode(payload)
	m.log.Debug("frame out", "bytes", fmt.Sprintf("% x", frame))
	if _, err := m.bus.Write(frame); err != nil {
		return err
	}
	return nil
}

func (m *Mccs) receive(op Op) ([]byte, error) {
	if err := m.waiter.Prepare(KindRead, op); err != nil {
		return nil, err
	}
	return m.reader.FindNext(Hint{Op: op})
}

// WriteVCP submits a WRITE of value to register vcp.
func (m *Mccs) WriteVCP(vcp byte, value uint16) error {
	err := m.submit(byte(OpWrite), vcp, byte(value>>8), byte(value))
	if err != nil {
		m.note(err)
		return err
	}
	m.invalidate()
	return nil
}

// ReadVCP reads register vcp: current value, maximum and type.
func (m *Mccs) ReadVCP(vcp byte) (VCPValue, error) {
	if m.pending != pendingRead || m.vcp != vcp {
		if err := m.submit(byte(OpRead), vcp); err != nil {
			m.note(err)
			return VCPValue{}, err
		}
		m.pending, m.vcp = pendingRead, vcp
	}
	payload, err := m.receive(OpReadReply)
	if err != nil {
		m.note(err)
		return VCPValue{}, err
	}
	m.invalidate()
	if len(payload) != 8 {
		return VCPValue{}, &InvalidFrameError{Reason: "bad READ_REPLY length", Frame: payload}
	}
	if payload[1] != 0 {
		return VCPValue{}, &UnsupportedError{VCP: vcp}
	}
	if payload[2] != vcp {
		return VCPValue{}, &OutOfSyncError{Want: vcp, Got: payload[2]}
	}
	v := VCPValue{
		Type:    payload[3],
		Max:     uint16(payload[4])<<8 | uint16(payload[5]),
		Current: uint16(payload[6])<<8 | uint16(payload[7]),
	}
	if v.Type > 1 {
		m.log.Warn("VCP type out of range", "vcp", fmt.Sprintf("0x%02x", vcp), "type", v.Type)
	} else if v.Type != 0 && vcp != VCPNewControlValue {
		m.log.Warn("momentary type on a settable register", "vcp", fmt.Sprintf("0x%02x", vcp))
	}
	return v, nil
}

// Save asks the monitor to persist its current settings. Monitors may
// stall for a long time afterwards, so the next operation is pushed
// out.
func (m *Mccs) Save() error {
	err := m.submit(byte(OpSave))
	if err != nil {
		m.note(err)
		return err
	}
	m.invalidate()
	m.waiter.Penalty(saveExtra)
	return nil
}

// RequestTiming reads the monitor's timing report.
func (m *Mccs) RequestTiming() (TimingReport, error) {
	if m.pending != pendingTiming {
		if err := m.submit(byte(OpTimingRequest)); err != nil {
			m.note(err)
			return TimingReport{}, err
		}
		m.pending = pendingTiming
	}
	payload, err := m.receive(OpTimingReply)
	if err != nil {
		m.note(err)
		return TimingReport{}, err
	}
	m.invalidate()
	if len(payload) != 6 {
		return TimingReport{}, &InvalidFrameError{Reason: "bad timing reply length", Frame: payload}
	}
	return TimingReport{
		Status:     payload[1],
		Horizontal: uint16(payload[2])<<8 | uint16(payload[3]),
		Vertical:   uint16(payload[4])<<8 | uint16(payload[5]),
	}, nil
}

// capabilitiesAt requests the capabilities fragment at offset and
// returns the offset the monitor answered for along with the
// fragment.
func (m *Mccs) capabilitiesAt(offset uint16) (uint16, []byte, error) {
	if m.pending != pendingCapabilities || m.offset != offset {
		if err := m.submit(byte(OpCapabilities), byte(offset>>8), byte(offset)); err != nil {
			m.note(err)
			return 0, nil, err
		}
		m.pending, m.offset = pendingCapabilities, offset
	}
	payload, err := m.receive(OpCapabilitiesReply)
	if err != nil {
		m.note(err)
		return 0, nil, err
	}
	m.invalidate()
	if len(payload) < 3 {
		return 0, nil, &InvalidFrameError{Reason: "short capabilities reply", Frame: payload}
	}
	return uint16(payload[1])<<8 | uint16(payload[2]), payload[3:], nil
}

// Await drives a non-blocking operation to completion, sleeping out
// every WouldBlock, until ctx is cancelled.
func Await(ctx context.Context, f func() error) error {
	for {
		err := f()
		wb, ok := AsWouldBlock(err)
		if !ok {
			return err
		}
		t := time.NewTimer(wb.Wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// ReadVCPSync is the blocking variant of ReadVCP.
func (m *Mccs) ReadVCPSync(ctx context.Context, vcp byte) (VCPValue, error) {
	var v VCPValue
	err := Await(ctx, func() error {
		var err error
		v, err = m.ReadVCP(vcp)
		return err
	})
	return v, err
}

// WriteVCPSync is the blocking variant of WriteVCP.
func (m *Mccs) WriteVCPSync(ctx context.Context, vcp byte, value uint16) error {
	return Await(ctx, func() error {
		return m.WriteVCP(vcp, value)
	})
}

// SaveSync is the blocking variant of Save.
func (m *Mccs) SaveSync(ctx context.Context) error {
	return Await(ctx, m.Save)
}

// RequestTimingSync is the blocking variant of RequestTiming.
func (m *Mccs) RequestTimingSync(ctx context.Context) (TimingReport, error) {
	var tr TimingReport
	err := Await(ctx, func() error {
		var err error
		tr, err = m.RequestTiming()
		return err
	})
	return tr, err
}

// capabilitiesCap bounds runaway capability strings.
const capabilitiesCap = 4096

// ReadCapabilitiesSync assembles the monitor's capabilities string
// fragment by fragment. An empty fragment at the accumulated length
// terminates; a fragment overlapping already-received bytes wins over
// them.
func (m *Mccs) ReadCapabilitiesSync(ctx context.Context) ([]byte, error) {
	var acc []byte
	for {
		var off uint16
		var frag []byte
		err := Await(ctx, func() error {
			var err error
			off, frag, err = m.capabilitiesAt(uint16(len(acc)))
			return err
		})
		if err != nil {
			return nil, err
		}
		switch {
		case int(off) == len(acc) && len(frag) == 0:
			return acc, nil
		case int(off) > len(acc):
			m.log.Warn("capabilities fragment beyond accumulator", "offset", off, "have", len(acc))
			continue
		case int(off) < len(acc):
			m.log.Warn("overlapping capabilities fragment", "offset", off, "have", len(acc))
			acc = append(acc[:off], frag...)
		default:
			acc = append(acc, frag...)
		}
		if len(acc) > capabilitiesCap {
			return nil, fmt.Errorf("ddcci: capabilities string exceeds %d bytes", capabilitiesCap)
		}
	}
}
