package resilience

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/captionist/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across several
// recognition engines, each behind its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]

	mu     sync.Mutex
	active string
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred engine.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional engine.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the engine names in trial order.
func (f *STTFallback) Names() []string { return f.group.Names() }

// Active returns the name of the engine that opened the most recent stream,
// or "" if none has.
func (f *STTFallback) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// StartStream opens a stream on the first engine that accepts it.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, name, err := ExecuteNamed(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	changed := f.active != name
	f.active = name
	f.mu.Unlock()
	if changed {
		slog.Info("resilience: recognition engine selected", "engine", name)
	}
	return h, nil
}
