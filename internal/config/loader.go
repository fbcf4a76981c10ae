package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"whisper", "whisper-native", "deepgram", "demo"},
	"embeddings": {"fbank"},
	"source":     {SourcePortAudio, SourceWAVFile},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// Decode parses data as YAML config. It has the signature of a [Watcher]
// loader.
func Decode(_ string, data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied, serving the HTTP API
// on [DefaultListenAddr]. It is used when no config file exists.
func Default() *Config {
	cfg := &Config{Server: ServerConfig{ListenAddr: DefaultListenAddr, Metrics: true}}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Capture.Source == "" {
		cfg.Capture.Source = SourcePortAudio
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = DefaultSampleRate
	}
	if cfg.Capture.Channels == 0 {
		cfg.Capture.Channels = DefaultChannels
	}
	if cfg.Capture.FrameMS == 0 {
		cfg.Capture.FrameMS = DefaultFrameMS
	}
	if cfg.Capture.BusCapacity == 0 {
		cfg.Capture.BusCapacity = DefaultBusCapacity
	}
	if cfg.Providers.Embeddings.Name == "" {
		cfg.Providers.Embeddings.Name = "fbank"
	}
	if cfg.Sinks.NATS.URL != "" && cfg.Sinks.NATS.Subject == "" {
		cfg.Sinks.NATS.Subject = DefaultNATSSubject
	}
	if cfg.Profiles.Backend == "" {
		cfg.Profiles.Backend = ProfileBackendFile
	}
	if cfg.Profiles.Dir == "" {
		cfg.Profiles.Dir = DefaultProfilesDir
	}
	if cfg.Profiles.Window == 0 {
		cfg.Profiles.Window = DefaultSpeakerWindow
	}
	if cfg.Paths.Settings == "" {
		cfg.Paths.Settings = DefaultSettingsPath
	}
	if cfg.Paths.Vocab == "" {
		cfg.Paths.Vocab = DefaultVocabPath
	}
	if cfg.Paths.ReloadInterval == 0 {
		cfg.Paths.ReloadInterval = DefaultReloadInterval
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", fb.Name)
	}
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	if cfg.Providers.STT.Name == "deepgram" && cfg.Providers.STT.APIKey == "" {
		errs = append(errs, errors.New("providers.stt: deepgram requires api_key"))
	}
	if cfg.Providers.STT.Name == "whisper" && cfg.Providers.STT.BaseURL == "" {
		errs = append(errs, errors.New("providers.stt: whisper requires base_url"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; captions will run in demo mode")
	}

	// Capture
	validateProviderName("source", cfg.Capture.Source)
	if cfg.Capture.Source == SourceWAVFile && cfg.Capture.File == "" {
		errs = append(errs, errors.New("capture.file is required when capture.source is wavfile"))
	}
	if cfg.Capture.SampleRate < 8000 || cfg.Capture.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d is out of range [8000, 192000]", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels != 1 && cfg.Capture.Channels != 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is invalid; valid values: 1, 2", cfg.Capture.Channels))
	}
	if cfg.Capture.FrameMS < 5 || cfg.Capture.FrameMS > 500 {
		errs = append(errs, fmt.Errorf("capture.frame_ms %d is out of range [5, 500]", cfg.Capture.FrameMS))
	}
	if cfg.Capture.BusCapacity < 1 {
		errs = append(errs, fmt.Errorf("capture.bus_capacity %d must be positive", cfg.Capture.BusCapacity))
	}

	// Sinks
	if cfg.Sinks.NATS.Partials && cfg.Sinks.NATS.URL == "" {
		errs = append(errs, errors.New("sinks.nats.partials requires sinks.nats.url"))
	}

	// Profiles
	if !cfg.Profiles.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("profiles.backend %q is invalid; valid values: file, badger, postgres", cfg.Profiles.Backend))
	}
	if cfg.Profiles.Backend == ProfileBackendPostgres && cfg.Sinks.PostgresDSN == "" {
		errs = append(errs, errors.New("profiles.backend postgres requires sinks.postgres_dsn"))
	}
	if cfg.Profiles.Window < 0 {
		errs = append(errs, fmt.Errorf("profiles.window %s must not be negative", cfg.Profiles.Window))
	}

	// Filter
	if f := cfg.Filter.GateFloor; f != nil && (*f < 0 || *f > 1) {
		errs = append(errs, fmt.Errorf("filter.gate_floor %.2f is out of range [0, 1]", *f))
	}
	if cfg.Filter.GateAttack < 0 || cfg.Filter.GateRelease < 0 {
		errs = append(errs, errors.New("filter.gate_attack and filter.gate_release must not be negative"))
	}

	if cfg.Paths.ReloadInterval < 0 {
		errs = append(errs, fmt.Errorf("paths.reload_interval %s must not be negative", cfg.Paths.ReloadInterval))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
