// Package recognize wraps a speech recognition engine for the live caption
// pipeline.
//
// An [Adapter] owns one engine stream. Frames go in through Feed; partial and
// final text come out of Events. Vocabulary bias updates are queued and take
// effect at the next final, which is the engine's decode boundary. Engines
// that cannot change bias mid-stream are reopened at that point.
//
// When the engine cannot be started the adapter runs the demo engine instead
// and reports [EngineDemo]; engine unavailability never fails the pipeline.
package recognize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/captionist/internal/vocab"
	"github.com/MrWong99/captionist/pkg/audio"
	"github.com/MrWong99/captionist/pkg/provider/stt"
	"github.com/MrWong99/captionist/pkg/provider/stt/demo"
)

// EventKind distinguishes partial from final recognition results.
type EventKind int

const (
	// Partial is a provisional hypothesis that later events may revise.
	Partial EventKind = iota
	// Final is committed text for one recognition unit.
	Final
)

// String returns "partial" or "final".
func (k EventKind) String() string {
	if k == Final {
		return "final"
	}
	return "partial"
}

// Event is one recognition result.
type Event struct {
	Kind EventKind
	Text string
	// Start and End are offsets from the start of the engine stream.
	Start, End time.Duration
	// Confidence is in [0, 1]; zero when the engine does not report one.
	Confidence float64
	// Received is the wall-clock time the adapter saw the result.
	Received time.Time
}

// EngineState reports which engine is producing events.
type EngineState int

const (
	// EngineLive means the configured engine is running.
	EngineLive EngineState = iota
	// EngineDemo means the configured engine was unavailable and placeholder
	// text is produced instead.
	EngineDemo
)

// String returns "live" or "demo".
func (s EngineState) String() string {
	if s == EngineDemo {
		return "demo"
	}
	return "live"
}

// Option configures an [Adapter].
type Option func(*Adapter)

// WithStreamConfig sets the audio format and language passed to the engine.
// Keywords are replaced by the adapter's vocabulary bias.
func WithStreamConfig(cfg stt.StreamConfig) Option {
	return func(a *Adapter) { a.cfg = cfg }
}

// WithEngineName labels the engine in logs and errors.
func WithEngineName(name string) Option {
	return func(a *Adapter) { a.engineName = name }
}

// WithDemo replaces the fallback used when the engine is unavailable.
func WithDemo(p stt.Provider) Option {
	return func(a *Adapter) { a.demo = p }
}

// WithBias sets the initial vocabulary bias.
func WithBias(entries []vocab.Entry) Option {
	return func(a *Adapter) { a.cfg.Keywords = vocab.Bias(entries) }
}

// WithEventBuffer sets the capacity of the Events channel. Default: 64.
func WithEventBuffer(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.bufSize = n
		}
	}
}

// WithClock replaces the clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// Adapter feeds audio to a recognition engine and publishes its results.
//
// Feed and SetVocabularyBias may be called from any goroutine. Events has a
// single consumer.
type Adapter struct {
	cfg        stt.StreamConfig
	engine     stt.Provider
	engineName string
	demo       stt.Provider
	bufSize    int
	now        func() time.Time

	state EngineState
	cause error

	mu      sync.RWMutex
	handle  stt.SessionHandle
	pending *[]stt.KeywordBoost

	events  chan Event
	stopped atomic.Bool
	abort   chan struct{}
	done    chan struct{}
	errOnce sync.Once
	err     error
}

// New opens an engine stream. If engine is nil or fails to start, the demo
// engine is used and [Adapter.EngineState] reports [EngineDemo]. New fails
// only if neither can be started.
func New(ctx context.Context, engine stt.Provider, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		cfg:        stt.StreamConfig{SampleRate: 16000, Channels: 1},
		engine:     engine,
		engineName: "engine",
		bufSize:    64,
		now:        time.Now,
		abort:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.demo == nil {
		a.demo = demo.New()
	}

	h, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	a.handle = h
	a.events = make(chan Event, a.bufSize)
	go a.pump(h)
	return a, nil
}

func (a *Adapter) open(ctx context.Context) (stt.SessionHandle, error) {
	var cause error = ErrNoEngine
	if a.engine != nil {
		h, err := a.engine.StartStream(ctx, a.cfg)
		if err == nil {
			a.state = EngineLive
			return h, nil
		}
		cause = err
	}
	a.state = EngineDemo
	a.cause = &EngineUnavailableError{Engine: a.engineName, Err: cause}
	slog.Warn("recognize: engine unavailable, using demo output", "engine", a.engineName, "err", cause)

	h, err := a.demo.StartStream(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("recognize: start demo engine: %w", errors.Join(a.cause, err))
	}
	// The demo engine has a fixed vocabulary; later bias updates go nowhere.
	a.engine = a.demo
	return h, nil
}

// EngineState reports whether the configured engine or the demo engine is
// running.
func (a *Adapter) EngineState() EngineState { return a.state }

// Cause returns the *EngineUnavailableError that forced demo mode, or nil.
func (a *Adapter) Cause() error { return a.cause }

// Events returns the result stream. It is closed after Stop has flushed the
// engine, after Abort, or when the engine ends the stream on its own.
func (a *Adapter) Events() <-chan Event { return a.events }

// Feed sends one frame to the engine. The frame must match the configured
// stream format.
func (a *Adapter) Feed(frame audio.AudioFrame) error {
	if a.stopped.Load() {
		return ErrStopped
	}
	a.mu.RLock()
	h := a.handle
	a.mu.RUnlock()
	if err := h.SendAudio(frame.Data); err != nil {
		if a.stopped.Load() {
			return ErrStopped
		}
		return fmt.Errorf("recognize: feed frame %d: %w", frame.Seq, err)
	}
	return nil
}

// SetVocabularyBias queues a new vocabulary. It replaces any update not yet
// applied and takes effect at the next final; text already decoded is not
// re-evaluated.
func (a *Adapter) SetVocabularyBias(entries []vocab.Entry) error {
	if a.stopped.Load() {
		return ErrStopped
	}
	kws := vocab.Bias(entries)
	a.mu.Lock()
	a.pending = &kws
	a.mu.Unlock()
	return nil
}

// Stop ends the stream cleanly: buffered audio is decoded, the last final is
// delivered and Events is closed. If ctx ends first the adapter is aborted
// and ctx's error returned.
func (a *Adapter) Stop(ctx context.Context) error {
	if !a.stopped.CompareAndSwap(false, true) {
		<-a.done
		return ErrStopped
	}
	a.mu.RLock()
	h := a.handle
	a.mu.RUnlock()
	go func() {
		if err := h.Close(); err != nil {
			slog.Warn("recognize: close engine stream", "err", err)
		}
	}()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		a.setErr(ctx.Err())
		close(a.abort)
		<-a.done
		return fmt.Errorf("recognize: stop: %w", ctx.Err())
	}
}

// Abort ends the stream without flushing. Events is closed promptly; results
// still in flight are discarded. err is reported by [Adapter.Err].
func (a *Adapter) Abort(err error) {
	if !a.stopped.CompareAndSwap(false, true) {
		return
	}
	a.setErr(err)
	close(a.abort)
	a.mu.RLock()
	h := a.handle
	a.mu.RUnlock()
	go func() {
		audio.Drain(h.Finals())
	}()
	go func() {
		audio.Drain(h.Partials())
	}()
	go h.Close()
	<-a.done
}

// Err returns the reason the adapter ended abnormally, or nil.
func (a *Adapter) Err() error {
	select {
	case <-a.done:
	default:
		return nil
	}
	return a.err
}

// Done is closed once Events has been closed.
func (a *Adapter) Done() <-chan struct{} { return a.done }

func (a *Adapter) setErr(err error) {
	a.errOnce.Do(func() { a.err = err })
}

// pump forwards engine results to Events until the engine closes its finals
// channel or the adapter is aborted.
func (a *Adapter) pump(h stt.SessionHandle) {
	defer close(a.done)
	defer close(a.events)

	partials, finals := h.Partials(), h.Finals()
	for {
		select {
		case <-a.abort:
			return
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if !a.emit(Partial, tr) {
				return
			}
		case tr, ok := <-finals:
			if !ok {
				if !a.stopped.Load() {
					a.setErr(errors.New("recognize: engine ended the stream"))
					slog.Warn("recognize: engine ended the stream unexpectedly", "engine", a.engineName)
				}
				return
			}
			if !a.emit(Final, tr) {
				return
			}
			if nh := a.applyBias(h); nh != h {
				h = nh
				partials, finals = h.Partials(), h.Finals()
			}
		}
	}
}

// emit delivers one event. It returns false if the adapter was aborted.
func (a *Adapter) emit(kind EventKind, tr stt.Transcript) bool {
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return true
	}
	ev := Event{
		Kind:       kind,
		Text:       text,
		Start:      tr.Timestamp,
		End:        tr.Timestamp + tr.Duration,
		Confidence: tr.Confidence,
		Received:   a.now(),
	}
	select {
	case a.events <- ev:
		return true
	case <-a.abort:
		return false
	}
}

// applyBias applies a queued vocabulary update at a decode boundary. It
// returns the handle that is current afterwards.
func (a *Adapter) applyBias(h stt.SessionHandle) stt.SessionHandle {
	a.mu.Lock()
	p := a.pending
	a.pending = nil
	a.mu.Unlock()
	if p == nil || a.stopped.Load() {
		return h
	}
	kws := *p

	err := h.SetKeywords(kws)
	if err == nil {
		slog.Debug("recognize: vocabulary bias applied", "words", len(kws))
		return h
	}
	if !errors.Is(err, stt.ErrNotSupported) {
		slog.Warn("recognize: apply vocabulary bias", "err", err)
		return h
	}

	// Reopen the stream with the new keywords.
	cfg := a.cfg
	cfg.Keywords = kws
	nh, err := a.engine.StartStream(context.Background(), cfg)
	if err != nil {
		slog.Warn("recognize: reopen stream for vocabulary bias, keeping current stream", "err", err)
		a.mu.Lock()
		if a.pending == nil {
			a.pending = p
		}
		a.mu.Unlock()
		return h
	}

	a.mu.Lock()
	if a.stopped.Load() {
		a.mu.Unlock()
		_ = nh.Close()
		return h
	}
	a.handle = nh
	a.cfg.Keywords = kws
	a.mu.Unlock()

	// Finals still in the old stream precede anything from the new one.
	go audio.Drain(h.Partials())
	go h.Close()
	for tr := range h.Finals() {
		if !a.emit(Final, tr) {
			break
		}
	}
	slog.Info("recognize: stream reopened with new vocabulary bias", "words", len(kws))
	return nh
}
