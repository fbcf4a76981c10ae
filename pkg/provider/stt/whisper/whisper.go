// Package whisper provides whisper.cpp-backed STT engines.
//
// Provider talks to a running whisper-server over its POST /inference
// endpoint. NativeProvider links whisper.cpp through its CGO bindings. Both
// turn the batch decoder into a stream the same way: audio is cut into
// utterances at trailing silence and each utterance is decoded whole.
//
// Vocabulary bias goes through whisper's initial prompt, so SetKeywords
// applies from the next utterance.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/captionist/pkg/audio/wavfile"
	"github.com/MrWong99/captionist/pkg/provider/stt"
)

const (
	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000

	// defaultEnergyThreshold is the RMS level, in 16-bit sample units, below
	// which a chunk counts as silence.
	defaultEnergyThreshold = 300.0

	// noSpeechCutoff drops segments whisper itself considers non-speech.
	// Silence fed to whisper tends to come back as "Thank you." otherwise.
	noSpeechCutoff = 0.6
)

var _ stt.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithModel names the model the server should use. Empty keeps the model
// the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default recognition language. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate sets the sample rate assumed when the stream does not name
// one. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.seg.sampleRate = rate }
}

// WithSilenceThresholdMs sets how much trailing silence ends an utterance.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) { p.seg.silenceThresholdMs = ms }
}

// WithMaxBufferDurationMs caps the length of one utterance.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.seg.maxBufferDurationMs = ms }
}

// WithEnergyThreshold sets the RMS level below which audio is silence.
func WithEnergyThreshold(rms float64) Option {
	return func(p *Provider) { p.seg.energyThreshold = rms }
}

// WithHTTPClient replaces the client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider is an stt.Provider backed by a whisper.cpp server. Streams are
// independent; each holds its own buffer and goroutine.
type Provider struct {
	serverURL  string
	model      string
	language   string
	seg        segmenterConfig
	httpClient *http.Client
}

// New returns a Provider for the whisper-server at serverURL, for example
// "http://localhost:8080".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: server URL is required")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		seg:        defaultSegmenterConfig(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func defaultSegmenterConfig() segmenterConfig {
	return segmenterConfig{
		sampleRate:          defaultSampleRate,
		channels:            1,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		energyThreshold:     defaultEnergyThreshold,
	}
}

// streamSegmenter applies the stream's format over the engine defaults.
func streamSegmenter(base segmenterConfig, cfg stt.StreamConfig) segmenterConfig {
	if cfg.SampleRate > 0 {
		base.sampleRate = cfg.SampleRate
	}
	base.channels = max(cfg.Channels, 1)
	return base
}

// StartStream opens a stream. Nothing is sent to the server until the first
// utterance is cut.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	lang := cmp0(cfg.Language, p.language)
	sc := streamSegmenter(p.seg, cfg)
	infer := func(ctx context.Context, pcm []byte, prompt string) (utterance, error) {
		return p.infer(ctx, wavfile.Encode(pcm, sc.sampleRate, sc.channels), lang, prompt)
	}
	return startStream(ctx, sc, cfg.Keywords, infer), nil
}

// verboseResult is the subset of whisper-server's verbose_json reply that
// captions use.
type verboseResult struct {
	Text     string `json:"text"`
	Segments []struct {
		Text         string  `json:"text"`
		NoSpeechProb float64 `json:"no_speech_prob"`
		Words        []struct {
			Word        string  `json:"word"`
			Start       float64 `json:"start"`
			End         float64 `json:"end"`
			Probability float64 `json:"probability"`
		} `json:"words"`
	} `json:"segments"`
}

func (p *Provider) infer(ctx context.Context, wav []byte, lang, prompt string) (utterance, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return utterance{}, fmt.Errorf("whisper: infer: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return utterance{}, fmt.Errorf("whisper: infer: %w", err)
	}
	fields := [][2]string{
		{"response_format", "verbose_json"},
		{"temperature", "0"},
		{"language", lang},
		{"model", p.model},
		{"prompt", prompt},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return utterance{}, fmt.Errorf("whisper: infer: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return utterance{}, fmt.Errorf("whisper: infer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return utterance{}, fmt.Errorf("whisper: infer: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return utterance{}, fmt.Errorf("whisper: infer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return utterance{}, fmt.Errorf("whisper: infer: server returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var res verboseResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return utterance{}, fmt.Errorf("whisper: infer: decode response: %w", err)
	}
	return res.utterance(), nil
}

// utterance keeps the segments whisper considers speech. A reply without
// segments falls back to its plain text.
func (r verboseResult) utterance() utterance {
	if len(r.Segments) == 0 {
		return utterance{text: strings.TrimSpace(r.Text)}
	}
	var (
		u     utterance
		texts []string
		psum  float64
	)
	for _, seg := range r.Segments {
		if seg.NoSpeechProb > noSpeechCutoff {
			continue
		}
		if t := strings.TrimSpace(seg.Text); t != "" {
			texts = append(texts, t)
		}
		for _, w := range seg.Words {
			word := strings.TrimSpace(w.Word)
			if word == "" {
				continue
			}
			u.words = append(u.words, stt.WordDetail{
				Word:       word,
				Start:      seconds(w.Start),
				End:        seconds(w.End),
				Confidence: w.Probability,
			})
			psum += w.Probability
		}
	}
	u.text = strings.Join(texts, " ")
	if len(u.words) > 0 {
		u.confidence = psum / float64(len(u.words))
	}
	return u
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// cmp0 returns v, or def when v is the zero value.
func cmp0[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
