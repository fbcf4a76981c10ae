package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/captionist/internal/profile"
	"github.com/MrWong99/captionist/pkg/audio"
	"github.com/MrWong99/captionist/pkg/provider/embeddings"
)

// DefaultSpeakerWindow is the amount of recent audio scored at each final.
const DefaultSpeakerWindow = 3 * time.Second

// Speakers labels final captions with the best matching voice profile.
//
// The capture worker feeds every processed frame to Observe; the event worker
// calls Identify once per final. A nil *Speakers identifies nobody.
type Speakers struct {
	extractor embeddings.Extractor
	matcher   *profile.Matcher
	threshold float64
	format    audio.Format

	mu     sync.Mutex
	window []byte
	max    int
}

// NewSpeakers returns a [Speakers] that keeps window of audio in format and
// accepts matches scoring at least threshold.
func NewSpeakers(extractor embeddings.Extractor, matcher *profile.Matcher, threshold float64, window time.Duration, format audio.Format) *Speakers {
	if window <= 0 {
		window = DefaultSpeakerWindow
	}
	if format.SampleRate <= 0 {
		format.SampleRate = 16000
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	frameBytes := 2 * format.Channels
	n := int(window.Seconds()*float64(format.SampleRate)) * frameBytes
	return &Speakers{
		extractor: extractor,
		matcher:   matcher,
		threshold: threshold,
		format:    format,
		max:       n,
	}
}

// Observe appends a frame to the rolling window.
func (sp *Speakers) Observe(f audio.AudioFrame) {
	if sp == nil || len(f.Data) == 0 {
		return
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.window = append(sp.window, f.Data...)
	if over := len(sp.window) - sp.max; over > 0 {
		sp.window = append(sp.window[:0], sp.window[over:]...)
	}
}

// Identify returns the name of the profile matching the current window, or
// "" when nothing scores above the threshold.
func (sp *Speakers) Identify(ctx context.Context) string {
	if sp == nil {
		return ""
	}
	sp.mu.Lock()
	clip := make([]byte, len(sp.window))
	copy(clip, sp.window)
	sp.mu.Unlock()
	if len(clip) == 0 {
		return ""
	}

	vec, err := sp.extractor.Extract(ctx, clip, sp.format)
	if err != nil {
		if !errors.Is(err, embeddings.ErrClipTooShort) {
			slog.Debug("session: speaker embedding failed", "err", err)
		}
		return ""
	}
	m, ok, err := sp.matcher.Best(ctx, vec, sp.threshold)
	if err != nil {
		slog.Debug("session: speaker match failed", "err", err)
		return ""
	}
	if !ok {
		return ""
	}
	return m.Name
}
