package hdl64

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned by Unpack when Setup has not yet completed
// successfully. No partial work is performed.
var ErrNotReady = errors.New("hdl64: decoder not ready, Setup has not succeeded")

// DecodeReason classifies packet decode failures.
type DecodeReason int

const (
	// BadLength means the packet is not exactly PACKET_SIZE bytes.
	// The whole packet is rejected and no points are emitted.
	BadLength DecodeReason = iota

	// UnknownBank means a block header matched neither bank sentinel.
	// Only that block's 32 readings are skipped.
	UnknownBank

	// BadAzimuth means a block's rotation field was outside [0,36000).
	// Only that block's 32 readings are skipped.
	BadAzimuth
)

// String returns the reason name for logs and error text.
func (r DecodeReason) String() string {
	switch r {
	case BadLength:
		return "bad-length"
	case UnknownBank:
		return "unknown-bank"
	case BadAzimuth:
		return "bad-azimuth"
	default:
		return fmt.Sprintf("decode-reason(%d)", int(r))
	}
}

// DecodeError describes a failure while decoding a packet. BadLength
// errors fail the whole Unpack call; UnknownBank and BadAzimuth are
// recovered per block and surfaced through Stats.BlockErrors so that
// transient corruption in a long-running stream never discards the
// remaining good blocks of the same packet.
type DecodeError struct {
	Reason DecodeReason
	Block  int    // Block index within the packet (BadLength: -1)
	Detail string // Human-readable specifics
}

func (e *DecodeError) Error() string {
	if e.Reason == BadLength {
		return fmt.Sprintf("hdl64: %s: %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("hdl64: block %d: %s: %s", e.Block, e.Reason, e.Detail)
}

// SetupError wraps a calibration load failure. The decoder stays (or
// returns to) the not-ready state and the underlying cause is available
// via Unwrap.
type SetupError struct {
	Path string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("hdl64: calibration load failed for %q: %v", e.Path, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }
