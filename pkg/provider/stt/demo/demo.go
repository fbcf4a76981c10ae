// Package demo provides a synthetic STT provider used when no recognition
// engine is available.
//
// The demo engine does not recognise speech. Every interval in which audio
// arrived it emits a placeholder final of the form
//
//	[DEMO] audio captured @ HH:MM:SS,mmm
//
// where the timestamp is the elapsed session time. This keeps the redaction,
// sink and export paths exercisable without a model.
package demo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/captionist/pkg/provider/stt"
)

// DefaultInterval is the cadence at which placeholder captions are produced.
const DefaultInterval = 2 * time.Second

// Prefix starts every placeholder caption.
const Prefix = "[DEMO] audio captured @ "

var errSessionClosed = errors.New("demo: session is closed")

// Option configures a Provider.
type Option func(*Provider)

// WithInterval sets the caption cadence. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithClock replaces the wall clock used to compute elapsed time.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider with placeholder output.
type Provider struct {
	interval time.Duration
	now      func() time.Time
}

// New returns a demo provider.
func New(opts ...Option) *Provider {
	p := &Provider{interval: DefaultInterval, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// StartStream opens a demo session. It never fails unless ctx is done.
func (p *Provider) StartStream(ctx context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("demo: context already cancelled: %w", err)
	}
	s := &session{
		start:    p.now(),
		now:      p.now,
		heard:    make(chan struct{}, 1),
		partials: make(chan stt.Transcript),
		finals:   make(chan stt.Transcript, 16),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop(ctx, p.interval)
	return s, nil
}

type session struct {
	start time.Time
	now   func() time.Time

	heard    chan struct{}
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ stt.SessionHandle = (*session)(nil)

// SendAudio marks the current interval as containing audio.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	if len(chunk) == 0 {
		return nil
	}
	select {
	case s.heard <- struct{}{}:
	default:
	}
	return nil
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords accepts and ignores the bias.
func (s *session) SetKeywords([]stt.KeywordBoost) error { return nil }

// Close emits a last placeholder if audio arrived since the previous one.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) loop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	emit := func() {
		select {
		case <-s.heard:
		default:
			return
		}
		elapsed := s.now().Sub(s.start)
		tr := stt.Transcript{
			Text:       Caption(elapsed),
			IsFinal:    true,
			Confidence: 1,
			Timestamp:  elapsed,
		}
		select {
		case s.finals <- tr:
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			emit()
			return
		case <-ticker.C:
			emit()
		}
	}
}

// Caption renders the placeholder text for the given elapsed session time.
func Caption(elapsed time.Duration) string {
	if elapsed < 0 {
		elapsed = 0
	}
	ms := elapsed.Milliseconds()
	return fmt.Sprintf("%s%02d:%02d:%02d,%03d", Prefix,
		ms/3_600_000, ms/60_000%60, ms/1000%60, ms%1000)
}
