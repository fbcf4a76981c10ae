package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/captionist/pkg/audio"
	"github.com/MrWong99/captionist/pkg/provider/stt"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider runs whisper.cpp in process. The model is loaded once and
// shared; every utterance gets its own decoding context.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	threads  uint
	seg      segmenterConfig
}

// NativeOption configures a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default recognition language. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeSampleRate sets the sample rate assumed when the stream does not
// name one.
func WithNativeSampleRate(rate int) NativeOption {
	return func(p *NativeProvider) { p.seg.sampleRate = rate }
}

// WithNativeSilenceThresholdMs sets how much trailing silence ends an
// utterance.
func WithNativeSilenceThresholdMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.seg.silenceThresholdMs = ms }
}

// WithNativeMaxBufferDurationMs caps the length of one utterance.
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.seg.maxBufferDurationMs = ms }
}

// WithNativeEnergyThreshold sets the RMS level below which audio is silence.
func WithNativeEnergyThreshold(rms float64) NativeOption {
	return func(p *NativeProvider) { p.seg.energyThreshold = rms }
}

// WithNativeThreads sets the CPU threads per decode. Zero keeps the library
// default.
func WithNativeThreads(n uint) NativeOption {
	return func(p *NativeProvider) { p.threads = n }
}

// NewNative loads the ggml model at modelPath. Close releases it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path is required")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %s: %w", modelPath, err)
	}
	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
		seg:      defaultSegmenterConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model. Streams still open must be closed first.
func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}

func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	lang := cmp0(cfg.Language, p.language)
	sc := streamSegmenter(p.seg, cfg)
	infer := func(_ context.Context, pcm []byte, prompt string) (utterance, error) {
		return p.decode(audio.PCMToFloat32Mono(pcm, sc.channels), lang, prompt)
	}
	return startStream(ctx, sc, cfg.Keywords, infer), nil
}

// decode runs one utterance through a fresh context. Sub-word tokens are
// joined into words; a token starting with a space opens a new word.
func (p *NativeProvider) decode(samples []float32, lang, prompt string) (utterance, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return utterance{}, fmt.Errorf("whisper: decode: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: language not supported by model", "language", lang, "err", err)
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}
	if prompt != "" {
		wctx.SetInitialPrompt(prompt)
	}
	wctx.SetTokenTimestamps(true)

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return utterance{}, fmt.Errorf("whisper: decode: %w", err)
	}

	var (
		u     utterance
		texts []string
		psum  float64
		n     int
	)
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return utterance{}, fmt.Errorf("whisper: decode: %w", err)
		}
		if t := strings.TrimSpace(seg.Text); t != "" {
			texts = append(texts, t)
		}
		for _, tok := range seg.Tokens {
			if !wctx.IsText(tok) {
				continue
			}
			psum += float64(tok.P)
			n++
			piece := tok.Text
			if last := len(u.words) - 1; last >= 0 && !strings.HasPrefix(piece, " ") {
				u.words[last].Word += piece
				u.words[last].End = tok.End
				continue
			}
			if w := strings.TrimSpace(piece); w != "" {
				u.words = append(u.words, stt.WordDetail{
					Word:       w,
					Start:      tok.Start,
					End:        tok.End,
					Confidence: float64(tok.P),
				})
			}
		}
	}
	u.text = strings.Join(texts, " ")
	if n > 0 {
		u.confidence = psum / float64(n)
	}
	return u, nil
}
