// Package sink delivers finished captions to their destinations.
//
// A [Sink] receives every [Entry] produced by a capture session. The
// [Fanout] delivers each entry to all configured sinks concurrently; a
// failing sink never blocks or fails the others. Concrete sinks:
//
//   - [Display]: bounded in-memory ring backing the transcript view.
//   - [File]: append-only transcript file.
//   - [Serial]: line output to an external caption encoder.
//   - [NATS]: publishes entries to a NATS subject.
//   - [Feed]: pushes entries to websocket subscribers.
//
// [ExportText] and [ExportSRT] render a finished transcript to a file.
package sink

import (
	"context"
	"time"
)

// Entry is one caption. It is immutable after creation.
type Entry struct {
	// Text is the caption as shown, including any speaker prefix.
	Text string `json:"text"`

	// Start and End bound the utterance in wall-clock time.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// SessionID identifies the capture session.
	SessionID string `json:"session_id"`

	// Speaker is the matched voice profile, if any.
	Speaker string `json:"speaker,omitempty"`

	// Final is false for interim hypotheses that a later entry replaces.
	Final bool `json:"final"`
}

// Sink is a caption destination.
//
// Write must not retain e beyond the call unless it copies it. Sinks that only
// handle final captions ignore partial entries and return nil.
type Sink interface {
	// Name identifies the sink in errors, logs and metrics.
	Name() string

	// Write delivers e.
	Write(ctx context.Context, e Entry) error

	// Close flushes buffered output and releases resources.
	Close() error
}

// Degrader is implemented by sinks that stop writing after a failure.
type Degrader interface {
	// Degraded reports whether the sink has stopped writing.
	Degraded() bool
}

// Shared wraps a sink that outlives a single capture session, such as the
// display ring or the websocket feed. Closing the wrapper leaves s open.
func Shared(s Sink) Sink { return shared{s} }

type shared struct{ Sink }

func (shared) Close() error { return nil }
