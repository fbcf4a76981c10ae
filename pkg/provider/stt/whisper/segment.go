package whisper

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/captionist/pkg/audio"
	"github.com/MrWong99/captionist/pkg/provider/stt"
)

// ErrClosed is returned by SendAudio after Close.
var ErrClosed = errors.New("whisper: stream closed")

const (
	// finalSendTimeout bounds how long a decoded final waits for the
	// consumer before it is dropped.
	finalSendTimeout = 5 * time.Second

	// closeDecodeTimeout bounds the decode of the last utterance on Close.
	closeDecodeTimeout = 30 * time.Second
)

// utterance is one decoded speech segment. Word times are relative to the
// start of the utterance audio.
type utterance struct {
	text       string
	words      []stt.WordDetail
	confidence float64
}

// inferFunc decodes one utterance of 16-bit PCM. prompt is the vocabulary
// bias active when the utterance was cut; it may be empty.
type inferFunc func(ctx context.Context, pcm []byte, prompt string) (utterance, error)

// segmenterConfig holds the silence-detection parameters of a stream.
type segmenterConfig struct {
	sampleRate          int
	channels            int
	silenceThresholdMs  int
	maxBufferDurationMs int
	energyThreshold     float64
}

// segmenter cuts a PCM stream into utterances at trailing silence. Leading
// silence is discarded. It is owned by one goroutine.
type segmenter struct {
	cfg        segmenterConfig
	bytesPerMs int

	buf       []byte
	speech    bool
	silenceMs int
	elapsedMs int
	startMs   int
}

func newSegmenter(cfg segmenterConfig) *segmenter {
	bpm := cfg.sampleRate * cfg.channels * 2 / 1000
	if bpm <= 0 {
		bpm = 32
	}
	return &segmenter{cfg: cfg, bytesPerMs: bpm}
}

// push buffers chunk and reports whether the current utterance is complete,
// either after enough trailing silence or at the maximum length.
func (g *segmenter) push(chunk []byte) bool {
	ms := chunkDurationMs(chunk, g.cfg.sampleRate, g.cfg.channels)
	g.elapsedMs += ms

	if audio.RMS(chunk) < g.cfg.energyThreshold {
		if !g.speech {
			return false
		}
		g.silenceMs += ms
		g.buf = append(g.buf, chunk...)
		return g.silenceMs >= g.cfg.silenceThresholdMs
	}

	if !g.speech {
		g.speech = true
		g.startMs = g.elapsedMs - ms
	}
	g.silenceMs = 0
	g.buf = append(g.buf, chunk...)
	limit := g.cfg.maxBufferDurationMs * g.bytesPerMs
	return limit > 0 && len(g.buf) >= limit
}

// take returns the buffered utterance and its stream offset, and resets
// the buffer. ok is false when no speech was buffered.
func (g *segmenter) take() (pcm []byte, start, length time.Duration, ok bool) {
	pcm, ok = g.buf, g.speech && len(g.buf) > 0
	start = time.Duration(g.startMs) * time.Millisecond
	length = time.Duration(len(pcm)/g.bytesPerMs) * time.Millisecond
	g.buf, g.speech, g.silenceMs = nil, false, 0
	return pcm, start, length, ok
}

// stream simulates streaming over a batch decoder: audio is segmented on
// silence and every utterance is decoded whole. It implements
// stt.SessionHandle for both whisper engines.
type stream struct {
	seg   *segmenter
	infer inferFunc

	audio    chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	mu     sync.Mutex
	prompt string

	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ stt.SessionHandle = (*stream)(nil)

func startStream(ctx context.Context, cfg segmenterConfig, keywords []stt.KeywordBoost, infer inferFunc) *stream {
	s := &stream{
		seg:      newSegmenter(cfg),
		infer:    infer,
		prompt:   keywordPrompt(keywords),
		audio:    make(chan []byte, 256),
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 64),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.closing:
		return ErrClosed
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closing:
		return ErrClosed
	case <-s.done:
		return ErrClosed
	}
}

// Partials carries each utterance once, just before its final. The batch
// decoder has nothing earlier to offer.
func (s *stream) Partials() <-chan stt.Transcript { return s.partials }

func (s *stream) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords replaces the initial prompt used for the next utterance.
// Utterances already cut keep the prompt they were cut with.
func (s *stream) SetKeywords(keywords []stt.KeywordBoost) error {
	p := keywordPrompt(keywords)
	s.mu.Lock()
	s.prompt = p
	s.mu.Unlock()
	return nil
}

func (s *stream) currentPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt
}

// Close decodes the audio still queued or buffered, closes the channels
// and returns. Repeated calls return nil.
func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	<-s.done
	return nil
}

func (s *stream) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.partials)
	defer close(s.finals)

	for {
		select {
		case chunk := <-s.audio:
			if s.seg.push(chunk) {
				s.decode(ctx)
			}
		case <-s.closing:
			s.drain()
			return
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

// drain feeds whatever audio is still queued to the segmenter and decodes
// the rest on a fresh context.
func (s *stream) drain() {
	for {
		select {
		case chunk := <-s.audio:
			if s.seg.push(chunk) {
				s.decodeDetached()
			}
			continue
		default:
		}
		break
	}
	s.decodeDetached()
}

func (s *stream) decodeDetached() {
	ctx, cancel := context.WithTimeout(context.Background(), closeDecodeTimeout)
	defer cancel()
	s.decode(ctx)
}

func (s *stream) decode(ctx context.Context) {
	pcm, start, length, ok := s.seg.take()
	if !ok {
		return
	}
	u, err := s.infer(ctx, pcm, s.currentPrompt())
	if err != nil {
		slog.Warn("whisper: utterance not decoded", "err", err, "audio", length)
		return
	}
	text := strings.TrimSpace(u.text)
	if text == "" {
		return
	}

	words := make([]stt.WordDetail, len(u.words))
	for i, w := range u.words {
		w.Start += start
		w.End += start
		words[i] = w
	}
	tr := stt.Transcript{
		Text:       text,
		Confidence: u.confidence,
		Words:      words,
		Timestamp:  start,
		Duration:   length,
	}
	select {
	case s.partials <- tr:
	default:
	}

	tr.IsFinal = true
	timer := time.NewTimer(finalSendTimeout)
	defer timer.Stop()
	select {
	case s.finals <- tr:
	case <-timer.C:
		slog.Warn("whisper: final dropped, consumer not reading", "text_len", len(text))
	}
}

// keywordPrompt renders a vocabulary bias as a whisper initial prompt.
// Higher boosts come first since whisper weights early prompt tokens more.
func keywordPrompt(keywords []stt.KeywordBoost) string {
	kws := slices.Clone(keywords)
	slices.SortStableFunc(kws, func(a, b stt.KeywordBoost) int {
		return cmp.Compare(b.Boost, a.Boost)
	})
	var words []string
	for _, k := range kws {
		w := strings.TrimSpace(k.Keyword)
		if w != "" && !slices.Contains(words, w) {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return ""
	}
	return "Vocabulary: " + strings.Join(words, ", ") + "."
}

// chunkDurationMs returns the duration of a 16-bit PCM chunk, or 0 for an
// invalid format.
func chunkDurationMs(chunk []byte, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return len(chunk) * 1000 / (sampleRate * channels * 2)
}
