package audio

import (
	"context"
	"fmt"
)

// Source is a capture backend (sound card, file replay, test fixture).
//
// Start begins delivering frames to push from the backend's own capture
// context and returns once capture is running. push is [FrameBus.Push] in
// production and must be treated as the only thing the capture callback may
// call. Start returns a [*DeviceError] when the device is missing or busy.
//
// Done is closed when capture ends on its own (end of file, device unplugged).
// Err then reports the cause, or nil for a natural end of stream.
//
// Implementations must be safe for concurrent use.
type Source interface {
	Start(ctx context.Context, push func(AudioFrame) bool) error
	Format() Format
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DeviceInfo describes a capture device reported by a backend.
type DeviceInfo struct {
	// ID is the backend-specific identifier stored in settings.
	ID string

	// Name is the human-readable device name.
	Name string

	// MaxInputChannels is the device's input channel count.
	MaxInputChannels int

	// DefaultSampleRate is the device's preferred sample rate in Hz.
	DefaultSampleRate float64

	// Default marks the system default input device.
	Default bool
}

// DeviceError reports a capture device that is missing, busy, or failed
// mid-session. It is fatal to the capture session and is never retried
// automatically.
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("audio: device %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("audio: device %q %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
