package ddcci

import (
	"bytes"
	"fmt"

	"github.com/charmbracelet/log"
)

// Bus is the raw byte transport underneath the protocol layers.
// *i2c.Bus implements it; tests substitute simulated monitors.
type Bus interface {
	Read(n int) ([]byte, error)
	Write(p []byte) (int, error)
	String() string
}

// Hint tells the reader what the caller is waiting for and thereby how
// much to request from the bus. The zero Hint means the common case, a
// READ_REPLY. Raw is for diagnostics only.
type Hint struct {
	// Raw, when positive, is the exact byte count to request on each
	// low-level read.
	Raw int
	// Op, when nonzero, is the reply opcode the caller expects; frames
	// carrying any other opcode are dropped whole.
	Op Op
}

func (h Hint) wantLen() int {
	switch {
	case h.Raw > 0:
		return h.Raw
	case h.Op != 0:
		return DDCMaxLen(h.Op)
	default:
		return ReadReplyDDCLen
	}
}

const (
	// noiseMargin is requested on top of the expected frame length, in
	// case leading garbage pushes the frame back.
	noiseMargin = 5
	// maxRefills bounds bus reads per FindNext call.
	maxRefills = 2
)

// Reader locates DDC/CI frames in the possibly noisy byte stream of a
// monitor. The receive buffer persists across calls, so replies that
// arrived early (opportunistic pipelining) are not lost.
type Reader struct {
	bus     Bus
	buf     []byte
	chopped *Determinator
	log     *log.Logger
}

// NewReader returns a reader over bus. chopped is the per-monitor
// chopped-read determinator; while it believes the monitor can serve a
// reply across several small reads, refills request only the missing
// bytes.
func NewReader(bus Bus, chopped *Determinator, logger *log.Logger) *Reader {
	return &Reader{bus: bus, chopped: chopped, log: logger}
}

func (r *Reader) refill(hint Hint, missing int) error {
	var want int
	switch {
	case hint.Raw > 0:
		want = hint.Raw
	case missing > 0 && r.chopped.Value():
		want = missing
	case r.chopped.Value():
		want = hint.wantLen()
	default:
		want = hint.wantLen() + noiseMargin
	}
	chunk, err := r.bus.Read(want)
	if err != nil {
		return err
	}
	r.log.Debug("bus read", "want", want, "got", fmt.Sprintf("% x", chunk))
	r.buf = append(r.buf, chunk...)
	return nil
}

func xorSum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum ^= c
	}
	return sum
}

// FindNext pulls bytes until a valid frame surfaces and returns its
// MCCS payload, opcode included. Leading garbage, null messages,
// checksum failures and foreign opcodes are skipped per their drop
// policies; after maxRefills fruitless bus reads it gives up with
// ErrNoMessage.
func (r *Reader) FindNext(hint Hint) ([]byte, error) {
	refills := 0
	// Set when a refill was forced by an incomplete frame sitting at
	// the buffer front; what happens next decides the chopped-read
	// determination.
	partial := false
	for {
		// Drop everything before the next frame start.
		if len(r.buf) > 0 && r.buf[0] != slaveWrite {
			start := bytes.IndexByte(r.buf, slaveWrite)
			if start < 0 {
				start = len(r.buf)
			}
			r.log.Debug("skipping noise", "bytes", fmt.Sprintf("% x", r.buf[:start]))
			if partial {
				// The continuation forced a resync: the monitor did
				// not chop the frame, it mangled it.
				r.chopped.Observe(false)
				partial = false
			}
			r.buf = r.buf[start:]
		}

		// How long does the frame at the front claim to be?
		total := -1
		if len(r.buf) >= 2 {
			switch n := int(r.buf[1] & 0x7f); {
			case r.buf[1]&0x80 == 0:
				r.skip(1, "length bit clear")
				continue
			case n > MaxPayloadLen:
				r.skip(1, "oversized length")
				continue
			case n == 0:
				total = 3 // null message: source, length, checksum
			default:
				total = n + frameOverhead
			}
		}

		if total < 0 || len(r.buf) < total {
			// Nothing yet, or an incomplete frame.
			if refills >= maxRefills {
				return nil, ErrNoMessage
			}
			missing := 0
			if len(r.buf) > 0 {
				partial = true
				if total > 0 {
					missing = total - len(r.buf)
				}
			}
			if err := r.refill(hint, missing); err != nil {
				return nil, err
			}
			refills++
			continue
		}

		frame := r.buf[:total]
		if xorSum(frame) != readCheck {
			if partial {
				r.chopped.Observe(false)
				partial = false
			}
			r.skip(2, "checksum mismatch")
			continue
		}
		if frame[1] == 0x80 {
			// The monitor explicitly has nothing to say.
			r.log.Debug("null message")
			r.buf = r.buf[total:]
			partial = false
			continue
		}
		op := Op(frame[2])
		if !knownOp(op) {
			r.skip(2, fmt.Sprintf("unknown opcode 0x%02x", frame[2]))
			continue
		}
		if hint.Op != 0 && op != hint.Op {
			r.log.Warn("dropping frame with unexpected opcode", "got", op.String(), "want", hint.Op.String())
			r.buf = r.buf[total:]
			continue
		}
		if partial {
			// A later read completed the frame right at the buffer
			// front: the monitor serves chopped reads.
			r.chopped.Observe(true)
		}
		payload := append([]byte(nil), frame[2:total-1]...)
		r.buf = r.buf[total:]
		return payload, nil
	}
}

func (r *Reader) skip(n int, reason string) {
	if n > len(r.buf) {
		n = len(r.buf)
	}
	r.log.Warn("dropping bytes", "n", n, "reason", reason, "buffer", fmt.Sprintf("% x", r.buf))
	r.buf = r.buf[n:]
}

// Flush discards whatever is sitting in the receive buffer.
func (r *Reader) Flush() {
	r.buf = r.buf[:0]
}
