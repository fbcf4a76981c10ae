// Package filter implements the hot-swappable audio transform applied to every
// captured frame before recognition.
//
// A [Stage] holds exactly one active [Variant] behind an atomic pointer.
// [Stage.Process] loads the pointer once per frame, so a frame is always
// transformed by exactly one variant even while [Stage.Install] or
// [Stage.Uninstall] run concurrently from a control goroutine.
package filter

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/captionist/pkg/audio"
)

// Variant is one audio transform. Process must return a new frame rather than
// mutating the input's Data, since frames are shared once enqueued.
//
// A Variant is only ever invoked from the single frame consumer, so stateful
// variants (the noise gate) need no internal locking for Process.
type Variant interface {
	Name() string
	Process(audio.AudioFrame) audio.AudioFrame
}

// Status reports how the enhancement filter ended up after the last install.
type Status int

const (
	// StatusDisabled means no enhancement is active: either nothing was
	// installed or the enhancement capability is switched off.
	StatusDisabled Status = iota

	// StatusInstalled means the requested variant is active.
	StatusInstalled

	// StatusFallback means enhancement failed to initialise and the noise
	// gate is active instead.
	StatusFallback
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusInstalled:
		return "installed"
	case StatusFallback:
		return "fallback"
	default:
		return "disabled"
	}
}

// Passthrough returns frames unchanged.
type Passthrough struct{}

// Name implements [Variant].
func (Passthrough) Name() string { return "passthrough" }

// Process implements [Variant].
func (Passthrough) Process(f audio.AudioFrame) audio.AudioFrame { return f }

type slot struct {
	v Variant
}

// Option configures a [Stage].
type Option func(*Stage)

// WithEnhancementCapability sets whether the enhancement variant may be
// installed at all. When false, [Stage.InstallEnhancement] keeps the noise
// gate active and reports [StatusDisabled]. Defaults to true.
func WithEnhancementCapability(enabled bool) Option {
	return func(s *Stage) { s.enhancementAllowed = enabled }
}

// WithGate overrides the noise gate used as the enhancement fallback.
func WithGate(g *NoiseGate) Option {
	return func(s *Stage) { s.gate = g }
}

// Stage is the swappable filter slot. The zero value is not usable; call
// [NewStage].
type Stage struct {
	active atomic.Pointer[slot]

	enhancementAllowed bool
	gate               *NoiseGate

	mu      sync.Mutex
	status  Status
	retired []*Enhancement
}

// NewStage returns a stage with [Passthrough] installed.
func NewStage(opts ...Option) *Stage {
	s := &Stage{enhancementAllowed: true}
	for _, o := range opts {
		o(s)
	}
	if s.gate == nil {
		s.gate = NewNoiseGate()
	}
	s.active.Store(&slot{v: Passthrough{}})
	return s
}

// Process runs f through the active variant. It is called from the single
// frame consumer and never blocks on Install.
func (s *Stage) Process(f audio.AudioFrame) audio.AudioFrame {
	return s.active.Load().v.Process(f)
}

// Active returns the name of the variant currently installed.
func (s *Stage) Active() string {
	return s.active.Load().v.Name()
}

// Install atomically replaces the active variant. A nil variant installs
// [Passthrough].
func (s *Stage) Install(v Variant) {
	if v == nil {
		v = Passthrough{}
	}
	old := s.active.Swap(&slot{v: v})

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := v.(*Enhancement); ok {
		s.status = StatusInstalled
	} else {
		s.status = StatusDisabled
	}
	s.retire(old.v)
	slog.Debug("filter: installed variant", "variant", v.Name(), "previous", old.v.Name())
}

// Uninstall restores [Passthrough].
func (s *Stage) Uninstall() {
	s.Install(Passthrough{})
}

// InstallEnhancement loads the enhancement model at modelPath through loader
// and installs it. When the capability is off, the noise gate is installed and
// [StatusDisabled] is returned with a nil error. When loading fails, the noise
// gate is installed and [StatusFallback] is returned together with a
// [*FilterInitError]; the stage remains usable either way.
func (s *Stage) InstallEnhancement(loader EnhancerLoader, modelPath string) (Status, error) {
	if !s.enhancementAllowed {
		s.Install(s.fallbackGate())
		s.setStatus(StatusDisabled)
		slog.Info("filter: enhancement not available, noise gate active")
		return StatusDisabled, nil
	}

	var (
		enh Enhancer
		err error
	)
	if loader == nil {
		err = ErrNoEnhancer
	} else {
		enh, err = loader(modelPath)
	}
	if err != nil {
		s.Install(s.fallbackGate())
		s.setStatus(StatusFallback)
		initErr := &FilterInitError{Model: modelPath, Err: err}
		slog.Warn("filter: enhancement init failed, noise gate active", "model", modelPath, "err", err)
		return StatusFallback, initErr
	}

	s.Install(NewEnhancement(enh))
	return StatusInstalled, nil
}

// SetGate replaces the fallback noise gate. If the old gate is active, g
// takes its place without changing the recorded status.
func (s *Stage) SetGate(g *NoiseGate) {
	if g == nil {
		return
	}
	s.mu.Lock()
	old := s.gate
	s.gate = g
	s.mu.Unlock()
	if cur := s.active.Load(); cur.v == Variant(old) {
		s.active.CompareAndSwap(cur, &slot{v: g})
	}
}

func (s *Stage) fallbackGate() *NoiseGate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate
}

// Status returns the status recorded by the last install.
func (s *Stage) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close releases every enhancement that was ever installed. Call it only
// after the frame consumer has stopped.
func (s *Stage) Close() error {
	cur := s.active.Swap(&slot{v: Passthrough{}})

	s.mu.Lock()
	s.retire(cur.v)
	retired := s.retired
	s.retired = nil
	s.mu.Unlock()

	var firstErr error
	for _, e := range retired {
		if err := e.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Stage) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// retire remembers enhancements so they are closed after the consumer stops;
// a frame may still be inside one when it is swapped out. s.mu must be held.
func (s *Stage) retire(v Variant) {
	if e, ok := v.(*Enhancement); ok {
		s.retired = append(s.retired, e)
	}
}
