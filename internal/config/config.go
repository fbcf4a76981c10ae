// Package config provides the deployment configuration schema, loader,
// provider registry and file watcher for captionist.
//
// Deployment config (YAML) describes the station: which recognition and
// embedding providers to use, where audio comes from, which caption sinks
// are attached and where voice profiles are stored. The user-editable
// options live in the separate JSON settings document (see package
// settings); both files are reloaded by a [Watcher].
package config

import (
	"fmt"
	"strconv"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ProfileBackend selects the voice profile store implementation.
type ProfileBackend string

const (
	// ProfileBackendFile keeps profiles as an index.json plus blob files.
	ProfileBackendFile ProfileBackend = "file"

	// ProfileBackendBadger keeps profiles in an embedded Badger database.
	ProfileBackendBadger ProfileBackend = "badger"

	// ProfileBackendPostgres keeps profiles in PostgreSQL with pgvector.
	ProfileBackendPostgres ProfileBackend = "postgres"
)

// IsValid reports whether b is a recognised backend.
func (b ProfileBackend) IsValid() bool {
	switch b {
	case ProfileBackendFile, ProfileBackendBadger, ProfileBackendPostgres:
		return true
	}
	return false
}

// Capture source names understood by the built-in registry.
const (
	SourcePortAudio = "portaudio"
	SourceWAVFile   = "wavfile"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultSampleRate     = 16000
	DefaultChannels       = 1
	DefaultFrameMS        = 20
	DefaultBusCapacity    = 256
	DefaultSpeakerWindow  = 3 * time.Second
	DefaultNATSSubject    = "captionist.captions"
	DefaultProfilesDir    = "profiles"
	DefaultVocabPath      = "custom_vocab.json"
	DefaultSettingsPath   = "settings.json"
	DefaultReloadInterval = 5 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Capture   CaptureConfig   `yaml:"capture"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Profiles  ProfilesConfig  `yaml:"profiles"`
	Filter    FilterConfig    `yaml:"filter"`
	Paths     PathsConfig     `yaml:"paths"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP API (e.g., ":8080"). Empty
	// disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// Metrics serves the Prometheus exposition at /metrics.
	Metrics bool `yaml:"metrics"`

	// AllowDemo keeps /readyz green while the recognizer runs in demo mode.
	AllowDemo bool `yaml:"allow_demo"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// recognition stage. Each entry selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	// STT is the primary recognition engine.
	STT ProviderEntry `yaml:"stt"`

	// STTFallbacks are tried in order when the primary cannot start a
	// stream. The demo engine is always the last resort.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`

	// Embeddings is the speaker embedding extractor.
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the
// [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "whisper", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-2", or
	// a ggml file for whisper-native).
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// With returns a copy of e with Options[key] set to v. The receiver's map
// is not modified.
func (e ProviderEntry) With(key string, v any) ProviderEntry {
	opts := make(map[string]any, len(e.Options)+1)
	for k, val := range e.Options {
		opts[k] = val
	}
	opts[key] = v
	e.Options = opts
	return e
}

// OptString returns Options[key] as a string, or "" when absent.
func (e ProviderEntry) OptString(key string) string {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// OptInt returns Options[key] as an int, or 0 when absent or not numeric.
func (e ProviderEntry) OptInt(key string) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// CaptureConfig describes the audio source feeding a session.
type CaptureConfig struct {
	// Source is the registered source name: "portaudio" or "wavfile".
	Source string `yaml:"source"`

	// Device is the capture device ID. The settings document's audio_device
	// takes precedence when set.
	Device string `yaml:"device"`

	// File is the WAV file replayed by the "wavfile" source.
	File string `yaml:"file"`

	// Realtime paces file replay at playback speed.
	Realtime bool `yaml:"realtime"`

	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
	FrameMS     int    `yaml:"frame_ms"`
	BusCapacity int    `yaml:"bus_capacity"`
	Language    string `yaml:"language"`
}

// FrameDuration returns FrameMS as a duration.
func (c CaptureConfig) FrameDuration() time.Duration {
	return time.Duration(c.FrameMS) * time.Millisecond
}

// SinksConfig lists the caption outputs besides the in-memory display and
// the serial port (which the settings document controls).
type SinksConfig struct {
	// File appends every final caption line to this path when set.
	File string `yaml:"file"`

	NATS NATSConfig `yaml:"nats"`
	Feed FeedConfig `yaml:"feed"`

	// PostgresDSN enables the transcript archive. The postgres profile
	// backend uses the same database.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// NATSConfig configures the caption publisher.
type NATSConfig struct {
	URL      string `yaml:"url"`
	Subject  string `yaml:"subject"`
	Partials bool   `yaml:"partials"`
}

// FeedConfig configures the websocket caption feed.
type FeedConfig struct {
	Enabled        bool     `yaml:"enabled"`
	OriginPatterns []string `yaml:"origin_patterns"`
}

// ProfilesConfig configures voice profile storage and live speaker
// matching.
type ProfilesConfig struct {
	Backend ProfileBackend `yaml:"backend"`

	// Dir holds the file or badger store.
	Dir string `yaml:"dir"`

	// Window is the amount of recent audio embedded at each final for
	// speaker matching.
	Window time.Duration `yaml:"window"`
}

// FilterConfig holds defaults for the frame filter stage.
type FilterConfig struct {
	// Enhancement is the capability flag for neural enhancement. When false,
	// enabling enhancement in settings leaves the stage disabled.
	Enhancement bool `yaml:"enhancement"`

	GateAttack  time.Duration `yaml:"gate_attack"`
	GateRelease time.Duration `yaml:"gate_release"`

	// GateFloor is the closed-gate gain in [0, 1]. Nil keeps the default.
	GateFloor *float64 `yaml:"gate_floor"`
}

// PathsConfig locates the user documents.
type PathsConfig struct {
	// Settings is the JSON settings document. The -save modifier overrides it.
	Settings string `yaml:"settings"`

	// Vocab is the custom vocabulary document.
	Vocab string `yaml:"vocab"`

	// ReloadInterval is how often the settings and config files are polled.
	ReloadInterval time.Duration `yaml:"reload_interval"`
}
