package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MrWong99/captionist/internal/config"
	"github.com/MrWong99/captionist/internal/observe"
	"github.com/MrWong99/captionist/internal/resilience"
	"github.com/MrWong99/captionist/internal/settings"
	"github.com/MrWong99/captionist/pkg/audio"
	"github.com/MrWong99/captionist/pkg/provider/embeddings"
	"github.com/MrWong99/captionist/pkg/provider/stt"
)

// Providers holds what main.go builds from the config registry. Engines and
// capture sources depend on the settings document and are therefore
// created per session from Registry.
type Providers struct {
	// Registry creates recognition engines and capture sources. Required.
	Registry *config.Registry

	// Embeddings extracts speaker embeddings. Nil disables profile matching.
	Embeddings embeddings.Extractor
}

// unavailableEngine is the engine handed to a session when no configured
// engine could be built. The session falls back to the demo engine and
// reports err as the cause.
type unavailableEngine struct{ err error }

func (u unavailableEngine) StartStream(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
	return nil, u.err
}

// meteredEngine counts stream starts of one engine in the provider metrics.
type meteredEngine struct {
	stt.Provider
	name    string
	metrics *observe.Metrics
}

func (e meteredEngine) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, err := e.Provider.StartStream(ctx, cfg)
	status := "ok"
	if err != nil {
		status = "error"
		e.metrics.RecordProviderError(ctx, e.name, "stt")
	}
	e.metrics.RecordProviderRequest(ctx, e.name, "stt", status)
	return h, err
}

// engineChain is the result of [buildEngine].
type engineChain struct {
	provider stt.Provider
	name     string
	closers  []func() error
}

// buildEngine creates the configured engine and its fallbacks. The settings
// document supplies the model file and thread count of whisper-native.
// Entries that fail to build are reported and skipped; when none builds,
// the chain reports the last failure so the session can fall back to the
// demo engine with a cause.
//
// With m set, every engine's stream starts are counted per engine name.
func buildEngine(reg *config.Registry, providers config.ProvidersConfig, st *settings.Settings, m *observe.Metrics, report func(msg string, err error, args ...any)) engineChain {
	entries := append([]config.ProviderEntry{providers.STT}, providers.STTFallbacks...)

	var (
		chain   *resilience.STTFallback
		closers []func() error
		lastErr error
	)
	for _, entry := range entries {
		if entry.Name == "" {
			continue
		}
		entry = withSettings(entry, st)
		p, err := reg.CreateSTT(entry)
		if err != nil {
			report("engine unavailable", err, "engine", entry.Name)
			lastErr = fmt.Errorf("%s: %w", entry.Name, err)
			continue
		}
		if c, ok := p.(io.Closer); ok {
			closers = append(closers, c.Close)
		}
		if m != nil {
			p = meteredEngine{Provider: p, name: entry.Name, metrics: m}
		}
		if chain == nil {
			chain = resilience.NewSTTFallback(p, entry.Name, resilience.FallbackConfig{})
			continue
		}
		chain.AddFallback(entry.Name, p)
	}

	switch {
	case chain != nil:
		return engineChain{provider: chain, name: strings.Join(chain.Names(), ","), closers: closers}
	case lastErr != nil:
		return engineChain{provider: unavailableEngine{err: lastErr}, name: providers.STT.Name}
	default:
		return engineChain{name: "demo"}
	}
}

// withSettings applies the settings document's overrides to a whisper-native
// entry.
func withSettings(entry config.ProviderEntry, st *settings.Settings) config.ProviderEntry {
	if entry.Name != "whisper-native" || st == nil {
		return entry
	}
	if st.ModelPath != "" {
		entry.Model = st.ModelPath
	}
	if st.CPUThreads > 0 {
		entry = entry.With("threads", st.CPUThreads)
	}
	return entry
}

// buildSource creates the capture source, letting the settings document
// choose the device.
func buildSource(reg *config.Registry, capture config.CaptureConfig, st *settings.Settings) (audio.Source, error) {
	if st != nil && st.AudioDevice != "" {
		capture.Device = st.AudioDevice
	}
	src, err := reg.CreateSource(capture)
	if err != nil {
		return nil, fmt.Errorf("app: create source %q: %w", capture.Source, err)
	}
	return src, nil
}

// closeAll runs closers in reverse order and joins their errors.
func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
