package health

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDemoMode is reported by [Engine] when captions come from the demo
	// engine and demo mode is not acceptable.
	ErrDemoMode = errors.New("health: recognizer is in demo mode")

	// ErrDegraded is reported by [Degraded] for a sink that stopped writing.
	ErrDegraded = errors.New("health: degraded")

	// ErrDisconnected is reported by [Connected].
	ErrDisconnected = errors.New("health: not connected")
)

// Engine checks the recognizer. demo reports whether the active session
// fell back to the demo engine and the cause; it is consulted on every
// check. With allowDemo set the check passes in demo mode.
func Engine(demo func() (bool, error), allowDemo bool) Checker {
	return Checker{
		Name: "engine",
		Check: func(context.Context) error {
			inDemo, cause := demo()
			if !inDemo || allowDemo {
				return nil
			}
			if cause != nil {
				return fmt.Errorf("%w: %v", ErrDemoMode, cause)
			}
			return ErrDemoMode
		},
	}
}

// Degrader is implemented by sinks that stop writing after an I/O failure.
type Degrader interface {
	Degraded() bool
}

// Degraded fails while d reports itself degraded.
func Degraded(name string, d Degrader) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if d.Degraded() {
				return ErrDegraded
			}
			return nil
		},
	}
}

// HealthReporter is implemented by connection-holding clients.
type HealthReporter interface {
	Healthy() bool
}

// Connected fails while c reports an unhealthy connection.
func Connected(name string, c HealthReporter) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !c.Healthy() {
				return ErrDisconnected
			}
			return nil
		},
	}
}

// Pinger is implemented by database pools.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping fails when p.Ping fails within the check deadline.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}
