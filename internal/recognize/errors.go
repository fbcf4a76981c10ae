package recognize

import (
	"errors"
	"fmt"
)

// ErrStopped is returned by operations on an adapter that has been stopped or
// aborted. An adapter cannot be restarted.
var ErrStopped = errors.New("recognize: adapter stopped")

// ErrNoEngine is the cause recorded when an adapter is built without an
// engine.
var ErrNoEngine = errors.New("recognize: no engine configured")

// EngineUnavailableError reports that the configured recognition engine could
// not be started. The adapter falls back to demo output; this error describes
// why.
type EngineUnavailableError struct {
	// Engine names the engine that was tried.
	Engine string
	// Err is the underlying cause.
	Err error
}

func (e *EngineUnavailableError) Error() string {
	return fmt.Sprintf("recognize: engine %q unavailable: %v", e.Engine, e.Err)
}

func (e *EngineUnavailableError) Unwrap() error { return e.Err }
