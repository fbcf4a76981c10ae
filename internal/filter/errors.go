package filter

import (
	"errors"
	"fmt"
)

// ErrNoEnhancer is wrapped in a [FilterInitError] when no enhancement loader
// is configured.
var ErrNoEnhancer = errors.New("filter: no enhancement engine configured")

// FilterInitError reports an enhancement engine that could not be loaded. It
// is recoverable: the stage falls back to the noise gate.
type FilterInitError struct {
	Model string
	Err   error
}

func (e *FilterInitError) Error() string {
	return fmt.Sprintf("filter: init enhancement %q: %v", e.Model, e.Err)
}

func (e *FilterInitError) Unwrap() error { return e.Err }
