package sink

import (
	"errors"
	"fmt"
)

var (
	// ErrDegraded is returned by a sink that stopped writing after a failure.
	ErrDegraded = errors.New("sink: degraded")

	// ErrClosed is returned when writing to a closed sink.
	ErrClosed = errors.New("sink: closed")

	// ErrQueueFull is returned when a queued sink cannot accept an entry
	// without blocking. The entry is dropped.
	ErrQueueFull = errors.New("sink: queue full")
)

// SinkError reports the failure of one sink. Other sinks are unaffected.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink: %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
