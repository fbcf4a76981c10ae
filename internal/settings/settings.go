// Package settings loads and saves the JSON settings document that persists
// the user-facing options of a captioning station: model, audio device,
// serial output, redaction, vocabulary and enhancement choices.
//
// The document is forward compatible. Keys this version does not recognise
// are kept verbatim and written back on save. Paths that live below the
// document's directory are stored relative to it, so a settings folder can be
// moved as a whole.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/captionist/internal/punctuate"
	"github.com/MrWong99/captionist/internal/redact"
	"github.com/MrWong99/captionist/internal/schedule"
	"github.com/MrWong99/captionist/internal/vocab"
)

// Defaults for the recognised keys.
const (
	DefaultWindowGeometry     = "900x750"
	DefaultBaud               = 9600
	DefaultProfileThreshold   = 0.7
	DefaultSRTCaptionDuration = 2.0
	DefaultNoiseGateThreshold = 300
)

// Settings is the decoded settings document. The zero value is not useful;
// start from [Defaults] or [Load].
type Settings struct {
	WindowGeometry string `json:"window_geometry"`
	ModelPath      string `json:"model_path"`
	AudioDevice    string `json:"audio_device"`
	CPUThreads     int    `json:"cpu_threads"`

	SerialEnabled bool   `json:"serial_enabled"`
	SerialPort    string `json:"serial_port"`
	Baud          int    `json:"baud"`

	// SerialAutoReset retries a degraded serial port in the background.
	// Off by default: a degraded port waits for an explicit reset.
	SerialAutoReset bool `json:"serial_auto_reset"`

	ProfileMatching  bool    `json:"profile_matching"`
	ProfileThreshold float64 `json:"profile_threshold"`

	SRTCaptionDuration float64 `json:"srt_caption_duration"`

	BleepMode       string `json:"bleep_mode"`
	BleepCustomText string `json:"bleep_custom_text"`
	BleepMaskChar   string `json:"bleep_mask_char"`
	BadWords        string `json:"bad_words"`

	CustomVocab        map[string]string         `json:"custom_vocab"`
	CustomVocabDataDir string                    `json:"custom_vocab_data_dir"`
	CustomVocabSamples map[string][]vocab.Sample `json:"custom_vocab_samples"`

	EnhancementEnabled bool    `json:"enhancement_enabled"`
	EnhancementModel   string  `json:"enhancement_model"`
	NoiseGateThreshold float64 `json:"noise_gate_threshold"`

	// Punctuator post-processes finals: "", "off", "rule" or
	// "subproc:<command>". See [punctuate.Parse].
	Punctuator string `json:"punctuator"`

	// Automations is the weekly show timetable that starts and stops
	// capture on its own.
	Automations schedule.Timetable `json:"automations"`

	path  string
	extra map[string]json.RawMessage
}

// Defaults returns a document with every recognised key at its default.
func Defaults() *Settings {
	return &Settings{
		WindowGeometry:     DefaultWindowGeometry,
		Baud:               DefaultBaud,
		ProfileThreshold:   DefaultProfileThreshold,
		SRTCaptionDuration: DefaultSRTCaptionDuration,
		BleepMode:          string(redact.ModeFixed),
		BleepCustomText:    redact.DefaultReplacement,
		BleepMaskChar:      string(redact.DefaultMaskChar),
		CustomVocab:        map[string]string{},
		CustomVocabSamples: map[string][]vocab.Sample{},
		NoiseGateThreshold: DefaultNoiseGateThreshold,
		Automations:        schedule.Timetable{Shows: []schedule.Show{}},
	}
}

// knownKeys lists the JSON keys of the recognised fields.
var knownKeys = sync.OnceValue(func() []string {
	raw, err := toRawMap(Settings{})
	if err != nil {
		panic(fmt.Sprintf("settings: derive keys: %v", err))
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
})

func isKnown(key string) bool {
	_, ok := slices.BinarySearch(knownKeys(), key)
	return ok
}

// Load reads the document at path. A missing file yields [Defaults]. Missing
// keys keep their defaults and unknown keys are retained for [Settings.Save].
// A value of the wrong JSON type is reported as a [*ConfigValidationError]
// naming the key.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s := Defaults()
		s.path = path
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	return Decode(path, data)
}

// Decode parses data as the document stored at path. Relative paths inside
// are resolved against path's directory.
func Decode(path string, data []byte) (*Settings, error) {
	s := Defaults()
	s.path = path
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	for k, v := range raw {
		if !isKnown(k) {
			if s.extra == nil {
				s.extra = make(map[string]json.RawMessage)
			}
			s.extra[k] = v
		}
	}

	if err := json.Unmarshal(data, s); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) {
			return nil, invalid(te.Field, err)
		}
		return nil, fmt.Errorf("settings: decode %s: %w", path, err)
	}
	if s.CustomVocab == nil {
		s.CustomVocab = map[string]string{}
	}
	if s.CustomVocabSamples == nil {
		s.CustomVocabSamples = map[string][]vocab.Sample{}
	}
	if s.Automations.Shows == nil {
		s.Automations.Shows = []schedule.Show{}
	}
	s.mapPaths(func(p string) string { return resolve(filepath.Dir(path), p) })
	return s, nil
}

// DecodeValid is [Decode] followed by [Settings.Validate]. It is the loader
// used when watching the document, so an invalid edit never replaces the
// running settings.
func DecodeValid(path string, data []byte) (*Settings, error) {
	s, err := Decode(path, data)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the file the document was loaded from or last saved to.
func (s *Settings) Path() string { return s.path }

// Save writes the document to path atomically with two-space indentation.
// Unknown keys read by [Load] are written back unchanged.
func (s *Settings) Save(path string) error {
	out := s.Clone()
	out.mapPaths(func(p string) string { return relativize(filepath.Dir(path), p) })

	known, err := toRawMap(*out)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	doc := make(map[string]json.RawMessage, len(known)+len(s.extra))
	for k, v := range s.extra {
		doc[k] = v
	}
	for k, v := range known {
		doc[k] = v
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("settings: create dir: %w", err)
		}
	}
	if err := writeFileAtomic(path, append(data, '\n')); err != nil {
		return err
	}
	s.path = path
	return nil
}

// Extra returns the raw value of an unrecognised key.
func (s *Settings) Extra(key string) (json.RawMessage, bool) {
	v, ok := s.extra[key]
	return v, ok
}

// Clone returns a deep copy.
func (s *Settings) Clone() *Settings {
	c := *s
	c.CustomVocab = make(map[string]string, len(s.CustomVocab))
	for k, v := range s.CustomVocab {
		c.CustomVocab[k] = v
	}
	c.CustomVocabSamples = make(map[string][]vocab.Sample, len(s.CustomVocabSamples))
	for k, v := range s.CustomVocabSamples {
		c.CustomVocabSamples[k] = slices.Clone(v)
	}
	c.Automations = s.Automations.Clone()
	if s.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(s.extra))
		for k, v := range s.extra {
			c.extra[k] = slices.Clone(v)
		}
	}
	return &c
}

// Validate checks every recognised field and returns all failures joined.
// Each failure is a [*ConfigValidationError].
func (s *Settings) Validate() error {
	var errs []error
	if s.CPUThreads < 0 {
		errs = append(errs, invalid("cpu_threads", fmt.Errorf("%w: %d", ErrOutOfRange, s.CPUThreads)))
	}
	if s.Baud <= 0 {
		errs = append(errs, invalid("baud", fmt.Errorf("%w: %d", ErrOutOfRange, s.Baud)))
	}
	if s.SerialEnabled && strings.TrimSpace(s.SerialPort) == "" {
		errs = append(errs, invalid("serial_port", fmt.Errorf("%w when serial_enabled is set", ErrRequired)))
	}
	if s.ProfileThreshold < 0 || s.ProfileThreshold > 1 {
		errs = append(errs, invalid("profile_threshold", fmt.Errorf("%w: %g not in [0, 1]", ErrOutOfRange, s.ProfileThreshold)))
	}
	if s.SRTCaptionDuration <= 0 {
		errs = append(errs, invalid("srt_caption_duration", fmt.Errorf("%w: %g", ErrOutOfRange, s.SRTCaptionDuration)))
	}
	if _, err := redact.ParseConfig(s.BleepMode, s.BleepCustomText, ""); err != nil {
		errs = append(errs, invalid("bleep_mode", err))
	}
	if _, err := redact.ParseConfig("", "", s.BleepMaskChar); err != nil {
		errs = append(errs, invalid("bleep_mask_char", err))
	}
	if s.NoiseGateThreshold < 0 {
		errs = append(errs, invalid("noise_gate_threshold", fmt.Errorf("%w: %g", ErrOutOfRange, s.NoiseGateThreshold)))
	}
	if _, err := punctuate.Parse(s.Punctuator); err != nil {
		errs = append(errs, invalid("punctuator", err))
	}
	if err := s.Automations.Validate(); err != nil {
		errs = append(errs, invalid("automations", err))
	}
	return errors.Join(errs...)
}

// ValidateModelPath reports whether model_path names an existing file or
// directory.
func (s *Settings) ValidateModelPath() error {
	if strings.TrimSpace(s.ModelPath) == "" {
		return invalid("model_path", ErrRequired)
	}
	if _, err := os.Stat(s.ModelPath); err != nil {
		return invalid("model_path", err)
	}
	return nil
}

// RedactionConfig converts the bleep_* keys into a redaction config.
func (s *Settings) RedactionConfig() (redact.Config, error) {
	cfg, err := redact.ParseConfig(s.BleepMode, s.BleepCustomText, s.BleepMaskChar)
	if err != nil {
		return redact.Config{}, fmt.Errorf("settings: redaction: %w", err)
	}
	return cfg, nil
}

// SRTDuration returns srt_caption_duration as a duration.
func (s *Settings) SRTDuration() time.Duration {
	return time.Duration(s.SRTCaptionDuration * float64(time.Second))
}

// Diff returns the sorted keys of the recognised fields whose values differ
// between prev and next.
func Diff(prev, next *Settings) []string {
	a, errA := toRawMap(*prev)
	b, errB := toRawMap(*next)
	if errA != nil || errB != nil {
		return slices.Clone(knownKeys())
	}
	var changed []string
	for _, k := range knownKeys() {
		if !jsonEqual(a[k], b[k]) {
			changed = append(changed, k)
		}
	}
	return changed
}

func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func toRawMap(s Settings) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mapPaths rewrites every path-valued field with fn.
func (s *Settings) mapPaths(fn func(string) string) {
	for _, p := range []*string{&s.ModelPath, &s.CustomVocabDataDir, &s.BadWords, &s.EnhancementModel} {
		if *p != "" {
			*p = fn(*p)
		}
	}
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) || base == "" {
		return filepath.Clean(filepath.FromSlash(p))
	}
	return filepath.Join(base, filepath.FromSlash(p))
}

// relativize returns p relative to base with forward slashes when p lies
// below base, and p unchanged otherwise.
func relativize(base, p string) string {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return p
	}
	absP, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	rel, err := filepath.Rel(absBase, absP)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return filepath.ToSlash(rel)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".settings-*.json")
	if err != nil {
		return fmt.Errorf("settings: write %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("settings: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("settings: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("settings: write %s: %w", path, err)
	}
	return nil
}
