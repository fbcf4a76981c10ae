package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/captionist/internal/app"
	"github.com/MrWong99/captionist/internal/config"
	"github.com/MrWong99/captionist/pkg/audio"
	"github.com/MrWong99/captionist/pkg/audio/portaudio"
	"github.com/MrWong99/captionist/pkg/audio/wavfile"
	"github.com/MrWong99/captionist/pkg/provider/embeddings"
	"github.com/MrWong99/captionist/pkg/provider/embeddings/fbank"
	"github.com/MrWong99/captionist/pkg/provider/stt"
	"github.com/MrWong99/captionist/pkg/provider/stt/deepgram"
	"github.com/MrWong99/captionist/pkg/provider/stt/demo"
	"github.com/MrWong99/captionist/pkg/provider/stt/whisper"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with captionist. Used for startup logging.
var builtinProviders = map[string][]string{
	"stt":        {"deepgram", "whisper", "whisper-native", "demo"},
	"embeddings": {"fbank"},
	"source":     {config.SourcePortAudio, config.SourceWAVFile},
}

// registerBuiltinProviders wires all built-in factories into reg. Each
// factory receives a config entry and constructs the implementation.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if ms := entry.OptInt("endpointing_ms"); ms != 0 {
			opts = append(opts, deepgram.WithEndpointing(time.Duration(ms)*time.Millisecond))
		}
		if entry.OptString("smart_format") == "false" {
			opts = append(opts, deepgram.WithSmartFormat(false))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if ms := entry.OptInt("silence_threshold_ms"); ms > 0 {
			opts = append(opts, whisper.WithSilenceThresholdMs(ms))
		}
		if ms := entry.OptInt("max_utterance_ms"); ms > 0 {
			opts = append(opts, whisper.WithMaxBufferDurationMs(ms))
		}
		if rms := entry.OptInt("energy_threshold"); rms > 0 {
			opts = append(opts, whisper.WithEnergyThreshold(float64(rms)))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// whisper-native takes its model file and thread count from the settings
	// document; the app copies them into the entry before each session.
	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptString("model_path")
		}
		var opts []whisper.NativeOption
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := entry.OptInt("threads"); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		if ms := entry.OptInt("silence_threshold_ms"); ms > 0 {
			opts = append(opts, whisper.WithNativeSilenceThresholdMs(ms))
		}
		if ms := entry.OptInt("max_utterance_ms"); ms > 0 {
			opts = append(opts, whisper.WithNativeMaxBufferDurationMs(ms))
		}
		if rms := entry.OptInt("energy_threshold"); rms > 0 {
			opts = append(opts, whisper.WithNativeEnergyThreshold(float64(rms)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("demo", func(config.ProviderEntry) (stt.Provider, error) {
		return demo.New(), nil
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("fbank", func(config.ProviderEntry) (embeddings.Extractor, error) {
		return fbank.New(), nil
	})

	// ── Capture sources ───────────────────────────────────────────────────────

	reg.RegisterSource(config.SourcePortAudio, func(c config.CaptureConfig) (audio.Source, error) {
		opts := []portaudio.Option{
			portaudio.WithSampleRate(c.SampleRate),
			portaudio.WithChannels(c.Channels),
			portaudio.WithFrameDuration(c.FrameDuration()),
		}
		if c.Device != "" {
			opts = append(opts, portaudio.WithDevice(c.Device))
		}
		return portaudio.New(opts...), nil
	})

	reg.RegisterSource(config.SourceWAVFile, func(c config.CaptureConfig) (audio.Source, error) {
		if c.File == "" {
			return nil, errors.New("wavfile source requires capture.file")
		}
		return wavfile.NewSource(c.File,
			wavfile.WithFrameDuration(c.FrameDuration()),
			wavfile.WithRealtime(c.Realtime),
		), nil
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers that live for the whole
// process and returns them in an [app.Providers] struct. Recognition
// engines and capture sources are created per session by the app.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{Registry: reg}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not implemented, skipping", "kind", "embeddings", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		} else {
			ps.Embeddings = p
			slog.Info("provider created", "kind", "embeddings", "name", name, "model", p.ModelID())
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       captionist: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("STT", providerLabel(cfg.Providers.STT))
	for _, fb := range cfg.Providers.STTFallbacks {
		printRow("  fallback", providerLabel(fb))
	}
	printRow("Embeddings", providerLabel(cfg.Providers.Embeddings))
	printRow("Source", cfg.Capture.Source)
	printRow("Profiles", string(cfg.Profiles.Backend))
	printRow("Transcript", orDisabled(cfg.Sinks.File))
	printRow("NATS", orDisabled(cfg.Sinks.NATS.URL))
	if cfg.Sinks.Feed.Enabled {
		printRow("WS feed", "/v1/captions/ws")
	} else {
		printRow("WS feed", "(disabled)")
	}
	printRow("Archive", orDisabled(redactDSN(cfg.Sinks.PostgresDSN)))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "(not configured)"
	case e.Model != "":
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}

// redactDSN keeps credentials in the DSN off the terminal.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	return "postgres (configured)"
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}
