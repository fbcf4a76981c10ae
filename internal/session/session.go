// Package session runs one live captioning session.
//
// A [Session] owns everything that is scoped to a single capture: the frame
// bus, the filter stage, the recognizer adapter, the vocabulary snapshot,
// the restricted words and the redaction policy. Nothing is shared through
// package state; a second session gets its own copies.
//
// Two workers run under an errgroup. The capture worker pops frames from the
// bus, converts them to the engine format, runs the filter stage and feeds
// the recognizer. The event worker consumes recognition events, corrects
// finals against the vocabulary, redacts restricted words, prefixes the
// speaker and fans the caption out to the sinks.
//
// The capture callback only ever calls [audio.FrameBus.Push].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/captionist/internal/filter"
	"github.com/MrWong99/captionist/internal/observe"
	"github.com/MrWong99/captionist/internal/punctuate"
	"github.com/MrWong99/captionist/internal/recognize"
	"github.com/MrWong99/captionist/internal/redact"
	"github.com/MrWong99/captionist/internal/sink"
	"github.com/MrWong99/captionist/internal/transcript"
	"github.com/MrWong99/captionist/internal/vocab"
	"github.com/MrWong99/captionist/pkg/audio"
	"github.com/MrWong99/captionist/pkg/provider/stt"
)

// ErrNoSource is returned by [Start] when no capture source is configured.
var ErrNoSource = errors.New("session: no capture source")

// State is the lifecycle state of a [Session].
type State int

const (
	// StateRunning means audio is being captioned.
	StateRunning State = iota
	// StateStopping means a stop was requested and buffered audio is being
	// flushed.
	StateStopping
	// StateStopped means the session ended cleanly.
	StateStopped
	// StateStopDirty means the session was interrupted without flushing.
	// [Session.Err] reports the cause.
	StateStopDirty
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateStopDirty:
		return "stopped_dirty"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds everything needed to start a [Session].
type Config struct {
	// ID identifies the session in entries and logs. A random UUID is used
	// when empty.
	ID string

	// Source is the capture backend. Required.
	Source audio.Source

	// Engine is the recognition engine. When nil or failing to start the
	// session runs on the demo engine.
	Engine stt.Provider

	// EngineName labels the engine in logs and status.
	EngineName string

	// Demo replaces the built-in demo engine. Optional.
	Demo stt.Provider

	// Stream sets the format and language passed to the engine. Frames are
	// converted to its sample rate and channel count. Defaults to 16 kHz mono.
	Stream stt.StreamConfig

	// BusCapacity is the frame bus size. Defaults to [audio.DefaultBusCapacity].
	BusCapacity int

	// Filter is the stage applied to every frame. The session takes ownership
	// and closes it on stop. Defaults to a passthrough stage.
	Filter *filter.Stage

	// Vocabulary biases the engine and drives phonetic correction of finals.
	Vocabulary []vocab.Entry

	// Redaction is the policy for restricted words.
	Redaction redact.Config

	// Words are the restricted words.
	Words redact.WordSet

	// Corrector rewrites misheard vocabulary words. Defaults to
	// [transcript.New].
	Corrector *transcript.Corrector

	// Punctuator restores casing and end punctuation on redacted finals.
	// Nil leaves finals as recognized.
	Punctuator punctuate.Punctuator

	// Sinks receive every caption. The session closes them on stop.
	Sinks *sink.Fanout

	// Speakers, when set, prefixes finals with the matched profile name.
	Speakers *Speakers

	// Metrics records pipeline metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now replaces the wall clock.
	Now func() time.Time
}

// Status is a point-in-time view of a [Session].
type Status struct {
	ID          string         `json:"id"`
	State       string         `json:"state"`
	Engine      string         `json:"engine"`
	EngineState string         `json:"engine_state"`
	EngineCause string         `json:"engine_cause,omitempty"`
	Filter      string         `json:"filter"`
	FilterState string         `json:"filter_state"`
	StartedAt   time.Time      `json:"started_at"`
	Bus         audio.BusStats `json:"bus"`
	Finals      uint64         `json:"finals"`
	Error       string         `json:"error,omitempty"`
}

// Session is a running capture session. All methods are safe for concurrent
// use.
type Session struct {
	id         string
	engineName string
	src        audio.Source
	bus        *audio.FrameBus
	conv       *audio.FormatConverter
	stage      *filter.Stage
	adapter    *recognize.Adapter
	corrector  *transcript.Corrector
	redactor   *redact.Engine
	fanout     *sink.Fanout
	speakers   *Speakers
	metrics    *observe.Metrics
	log        *slog.Logger
	span       trace.Span
	now        func() time.Time
	started    time.Time

	vocabMu sync.RWMutex
	words   []string
	punct   punctuate.Punctuator // guarded by vocabMu

	g           *errgroup.Group
	cancel      context.CancelFunc
	captureDone chan struct{}
	eventsDone  chan struct{}

	stopping   atomic.Bool
	finishOnce sync.Once
	done       chan struct{}

	mu    sync.Mutex
	state State
	err   error

	finals      atomic.Uint64
	lastDropped atomic.Uint64
	counted     atomic.Bool
}

// Start opens the recognizer, starts both workers and then the capture
// source. A source that fails to start returns its [*audio.DeviceError] and
// leaves nothing running.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Source == nil {
		return nil, ErrNoSource
	}
	s := &Session{
		id:          cfg.ID,
		engineName:  cfg.EngineName,
		src:         cfg.Source,
		bus:         audio.NewFrameBus(cfg.BusCapacity),
		stage:       cfg.Filter,
		corrector:   cfg.Corrector,
		punct:       cfg.Punctuator,
		redactor:    redact.NewEngine(cfg.Redaction, cfg.Words),
		fanout:      cfg.Sinks,
		speakers:    cfg.Speakers,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		captureDone: make(chan struct{}),
		eventsDone:  make(chan struct{}),
		done:        make(chan struct{}),
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.engineName == "" {
		s.engineName = "engine"
	}
	if s.stage == nil {
		s.stage = filter.NewStage()
	}
	if s.corrector == nil {
		s.corrector = transcript.New()
	}
	if s.fanout == nil {
		s.fanout = sink.NewFanout(nil)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.now == nil {
		s.now = time.Now
	}

	stream := cfg.Stream
	if stream.SampleRate <= 0 {
		stream.SampleRate = 16000
	}
	if stream.Channels <= 0 {
		stream.Channels = 1
	}
	s.conv = &audio.FormatConverter{Target: audio.Format{SampleRate: stream.SampleRate, Channels: stream.Channels}}
	s.words = vocabWords(cfg.Vocabulary)

	opts := []recognize.Option{
		recognize.WithStreamConfig(stream),
		recognize.WithEngineName(s.engineName),
		recognize.WithBias(cfg.Vocabulary),
		recognize.WithClock(s.now),
	}
	if cfg.Demo != nil {
		opts = append(opts, recognize.WithDemo(cfg.Demo))
	}
	ctx, s.span = observe.StartSession(ctx, s.id, s.engineName)
	s.log = observe.Logger(ctx).With("session_id", s.id)

	adapter, err := recognize.New(ctx, cfg.Engine, opts...)
	if err != nil {
		err = fmt.Errorf("session: %w", err)
		observe.EndSpan(s.span, err)
		return nil, err
	}
	s.adapter = adapter
	s.started = s.now()

	wctx, cancel := context.WithCancel(trace.ContextWithSpan(context.Background(), s.span))
	s.cancel = cancel
	g, gctx := errgroup.WithContext(wctx)
	s.g = g
	g.Go(func() error {
		defer close(s.captureDone)
		return s.captureLoop(gctx)
	})
	g.Go(func() error {
		defer close(s.eventsDone)
		s.eventLoop(gctx)
		return nil
	})

	if err := s.src.Start(ctx, s.bus.Push); err != nil {
		s.stopping.Store(true)
		s.teardown(err)
		return nil, fmt.Errorf("session: start capture: %w", err)
	}

	s.metrics.ActiveSessions.Add(context.Background(), 1)
	s.counted.Store(true)
	go s.watchSource()

	s.log.Info("session started",
		"engine", s.engineName,
		"engine_state", adapter.EngineState().String(),
		"sample_rate", stream.SampleRate,
		"filter", s.stage.Active(),
	)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the cause of a dirty stop, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session has fully stopped and its sinks are closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Demo reports whether the demo engine is producing captions, and why.
func (s *Session) Demo() (bool, error) {
	return s.adapter.EngineState() == recognize.EngineDemo, s.adapter.Cause()
}

// Filter returns the session's filter stage for hot swaps.
func (s *Session) Filter() *filter.Stage { return s.stage }

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	state, err := s.state, s.err
	s.mu.Unlock()

	st := Status{
		ID:          s.id,
		State:       state.String(),
		Engine:      s.engineName,
		EngineState: s.adapter.EngineState().String(),
		Filter:      s.stage.Active(),
		FilterState: s.stage.Status().String(),
		StartedAt:   s.started,
		Bus:         s.bus.Stats(),
		Finals:      s.finals.Load(),
	}
	if cause := s.adapter.Cause(); cause != nil {
		st.EngineCause = cause.Error()
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

// SetVocabulary replaces the vocabulary. The engine bias changes at its next
// decode boundary; correction uses the new words from the next final on.
func (s *Session) SetVocabulary(entries []vocab.Entry) error {
	if err := s.adapter.SetVocabularyBias(entries); err != nil {
		return fmt.Errorf("session: set vocabulary: %w", err)
	}
	words := vocabWords(entries)
	s.vocabMu.Lock()
	s.words = words
	s.vocabMu.Unlock()
	return nil
}

// SetPunctuator replaces the finals post-processor; nil turns it off.
func (s *Session) SetPunctuator(p punctuate.Punctuator) {
	s.vocabMu.Lock()
	s.punct = p
	s.vocabMu.Unlock()
}

// SetWords replaces the restricted words.
func (s *Session) SetWords(words redact.WordSet) { s.redactor.SetWords(words) }

// SetRedaction replaces the redaction policy.
func (s *Session) SetRedaction(cfg redact.Config) { s.redactor.SetConfig(cfg) }

// Stop ends the session cleanly. The source is closed, frames still on the
// bus are filtered and fed, the engine flushes its last final, and every
// caption reaches the sinks before they are closed. If ctx ends first the
// session is aborted with ctx's error.
//
// Calling Stop on a session that is already stopping waits for it to finish.
func (s *Session) Stop(ctx context.Context) error {
	if !s.stopping.CompareAndSwap(false, true) {
		return s.wait(ctx)
	}
	s.setState(StateStopping)
	s.log.Info("session stopping")

	if err := s.src.Close(); err != nil {
		s.log.Warn("session: close source", "err", err)
	}
	s.bus.Close()

	select {
	case <-s.captureDone:
	case <-ctx.Done():
		err := fmt.Errorf("session: stop: %w", ctx.Err())
		s.teardown(err)
		return err
	}

	if err := s.adapter.Stop(ctx); err != nil {
		err = fmt.Errorf("session: stop: %w", err)
		s.teardown(err)
		return err
	}

	select {
	case <-s.eventsDone:
	case <-ctx.Done():
		err := fmt.Errorf("session: stop: %w", ctx.Err())
		s.teardown(err)
		return err
	}

	_ = s.g.Wait()
	s.finish(nil)
	return nil
}

// Abort ends the session without flushing, for example after the capture
// device disappeared. The session reports [StateStopDirty] with err.
func (s *Session) Abort(err error) {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	if err == nil {
		err = errors.New("session: aborted")
	}
	s.log.Warn("session interrupted", "err", err)
	s.teardown(err)
}

// teardown cancels the workers without flushing and finishes dirty.
func (s *Session) teardown(cause error) {
	s.cancel()
	if err := s.src.Close(); err != nil {
		s.log.Debug("session: close source", "err", err)
	}
	s.bus.Close()
	s.adapter.Abort(cause)
	_ = s.g.Wait()
	s.finish(cause)
}

func (s *Session) finish(cause error) {
	s.finishOnce.Do(func() {
		s.cancel()
		if err := s.fanout.Close(); err != nil {
			s.log.Warn("session: close sinks", "err", err)
		}
		if err := s.stage.Close(); err != nil {
			s.log.Warn("session: close filter", "err", err)
		}

		s.mu.Lock()
		if cause != nil {
			s.state = StateStopDirty
			s.err = cause
		} else {
			s.state = StateStopped
		}
		s.mu.Unlock()

		if s.counted.Load() {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		stats := s.bus.Stats()
		s.log.Info("session stopped",
			"dirty", cause != nil,
			"frames", stats.Pushed,
			"dropped", stats.Dropped,
			"finals", s.finals.Load(),
		)
		observe.EndSpan(s.span, cause)
		close(s.done)
	})
}

func (s *Session) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return fmt.Errorf("session: stop: %w", ctx.Err())
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// watchSource stops the session when capture ends on its own. A natural end
// of stream flushes; a device failure does not.
func (s *Session) watchSource() {
	select {
	case <-s.done:
		return
	case <-s.src.Done():
	}
	if err := s.src.Err(); err != nil {
		s.Abort(err)
		return
	}
	if err := s.Stop(context.Background()); err != nil {
		s.log.Warn("session: stop after end of stream", "err", err)
	}
}

// captureLoop moves frames from the bus through the filter to the engine
// until the bus is closed and empty.
func (s *Session) captureLoop(ctx context.Context) error {
	feedFailed := false
	for {
		frame, err := s.bus.Pop(ctx)
		if err != nil {
			if errors.Is(err, audio.ErrBusClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session: pop frame: %w", err)
		}
		s.metrics.FramesCaptured.Add(ctx, 1)
		s.recordDropped(ctx)

		frame = s.conv.Convert(frame)
		if len(frame.Data) == 0 {
			continue
		}
		start := time.Now()
		frame = s.stage.Process(frame)
		s.metrics.FilterDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("variant", s.stage.Active())))

		s.speakers.Observe(frame)

		if err := s.adapter.Feed(frame); err != nil {
			if errors.Is(err, recognize.ErrStopped) {
				return nil
			}
			if !feedFailed {
				s.log.Warn("session: feed engine", "err", err)
				feedFailed = true
			}
			continue
		}
		feedFailed = false
	}
}

func (s *Session) recordDropped(ctx context.Context) {
	cur := s.bus.Dropped()
	prev := s.lastDropped.Swap(cur)
	if cur > prev {
		s.metrics.FramesDropped.Add(ctx, int64(cur-prev))
	}
}

// eventLoop delivers recognition events to the sinks until the adapter
// closes its event stream.
func (s *Session) eventLoop(ctx context.Context) {
	for ev := range s.adapter.Events() {
		s.deliver(ctx, ev)
	}
}

func (s *Session) deliver(ctx context.Context, ev recognize.Event) {
	// Cancelled only on a dirty stop, which must not deliver.
	if ctx.Err() != nil {
		return
	}
	final := ev.Kind == recognize.Final
	if final {
		var span trace.Span
		ctx, span = observe.StartSpan(ctx, observe.SpanFinal)
		defer span.End()
	}
	s.metrics.RecordTranscript(ctx, final)

	text := ev.Text
	var speaker string
	if final {
		if lat := ev.Received.Sub(s.started.Add(ev.End)); ev.End > 0 && lat > 0 {
			s.metrics.RecognitionLatency.Record(ctx, lat.Seconds())
		}
		if words := s.vocabulary(); len(words) > 0 {
			res := s.corrector.Correct(text, words)
			for _, c := range res.Corrections {
				s.log.Debug("session: corrected", "from", c.Original, "to", c.Corrected, "confidence", c.Confidence)
			}
			text = res.Text
		}
	}

	text, n := s.redactor.Apply(text)
	if n > 0 {
		s.metrics.Redactions.Add(ctx, int64(n))
	}
	if text == "" {
		return
	}

	if final {
		if p := s.punctuator(); p != nil {
			text = p.Punctuate(ctx, text)
		}
		speaker = s.speakers.Identify(ctx)
		if speaker != "" {
			text = "[" + speaker + "] " + text
		}
		s.finals.Add(1)
	}

	e := sink.Entry{
		Text:      text,
		Start:     s.started.Add(ev.Start),
		End:       s.started.Add(ev.End),
		SessionID: s.id,
		Speaker:   speaker,
		Final:     final,
	}
	if err := s.fanout.Write(ctx, e); err != nil {
		s.log.Warn("session: sink write failed", "err", err)
	}
}

func (s *Session) punctuator() punctuate.Punctuator {
	s.vocabMu.RLock()
	defer s.vocabMu.RUnlock()
	return s.punct
}

func (s *Session) vocabulary() []string {
	s.vocabMu.RLock()
	defer s.vocabMu.RUnlock()
	return s.words
}

func vocabWords(entries []vocab.Entry) []string {
	words := make([]string, 0, len(entries))
	for _, e := range entries {
		words = append(words, e.Word)
	}
	return words
}
