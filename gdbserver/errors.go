package gdbserver

import (
	"errors"
	"fmt"
)

// ErrDebuggerBusy is returned when a second debugger attempts to attach while
// one is already attached. The simulated target is single-owner hardware, so
// contention is surfaced instead of silently interleaving packet streams.
var ErrDebuggerBusy = errors.New("a debugger is already attached")

// FramingError indicates the local debugger sent bytes that cannot be framed
// as debug protocol packets. Only the offending connection is dropped.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("debug packet framing error: %s", e.Reason)
}
