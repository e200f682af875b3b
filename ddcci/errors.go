package ddcci

import (
	"errors"
	"fmt"
	"time"
)

// WouldBlock is not a failure: it tells the caller to wait before
// retrying the operation. It flows out of the Waiter through every
// non-blocking primitive and is consumed by the nearest async
// adapter.
type WouldBlock struct {
	Wait time.Duration
}

func (e *WouldBlock) Error() string {
	return fmt.Sprintf("ddcci: would block for %v", e.Wait)
}

// AsWouldBlock extracts a WouldBlock from err, if there is one.
func AsWouldBlock(err error) (*WouldBlock, bool) {
	var wb *WouldBlock
	if errors.As(err, &wb) {
		return wb, true
	}
	return nil, false
}

// ErrNullMessage reports the monitor's explicit "nothing to say"
// frame, 6E 80 BE.
var ErrNullMessage = errors.New("ddcci: null message")

// ErrNoMessage reports that the frame reader gave up after its refill
// budget without finding a valid frame.
var ErrNoMessage = errors.New("ddcci: no message")

// InvalidFrameError reports a structural violation in an inbound
// frame: length, checksum or length-bit.
type InvalidFrameError struct {
	Reason string
	Frame  []byte
}

func (e *InvalidFrameError) Error() string {
	return fmt.Sprintf("ddcci: invalid frame (%s): % x", e.Reason, e.Frame)
}

// UnsupportedError reports a read reply with a non-zero status byte:
// the monitor does not implement the requested VCP register.
type UnsupportedError struct {
	VCP byte
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("ddcci: VCP 0x%02x unsupported", e.VCP)
}

// OutOfSyncError reports a read reply answering for a different VCP
// register than the one requested.
type OutOfSyncError struct {
	Want, Got byte
}

func (e *OutOfSyncError) Error() string {
	return fmt.Sprintf("ddcci: reply for VCP 0x%02x, requested 0x%02x", e.Got, e.Want)
}
