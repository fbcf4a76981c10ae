package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/captionist/internal/observe"
)

const (
	defaultLaneSize     = 64
	defaultWriteTimeout = 10 * time.Second
	defaultDrainTimeout = 5 * time.Second
)

// FanoutOption configures a [Fanout].
type FanoutOption func(*Fanout)

// WithMetrics records deliveries on m.
func WithMetrics(m *observe.Metrics) FanoutOption {
	return func(f *Fanout) { f.metrics = m }
}

// WithLaneSize sets how many entries may wait for each sink. Defaults to 64.
func WithLaneSize(n int) FanoutOption {
	return func(f *Fanout) {
		if n > 0 {
			f.laneSize = n
		}
	}
}

// WithFanoutWriteTimeout bounds the context of each sink write. Defaults to 10s.
func WithFanoutWriteTimeout(d time.Duration) FanoutOption {
	return func(f *Fanout) {
		if d > 0 {
			f.writeTimeout = d
		}
	}
}

// WithDrainTimeout bounds how long Close waits for queued entries to reach
// each sink. Defaults to 5s.
func WithDrainTimeout(d time.Duration) FanoutOption {
	return func(f *Fanout) {
		if d > 0 {
			f.drainTimeout = d
		}
	}
}

// WithErrorHandler is called from a sink's worker after each failed write.
func WithErrorHandler(fn func(*SinkError)) FanoutOption {
	return func(f *Fanout) { f.onError = fn }
}

// Fanout delivers entries to several sinks. Every sink has its own bounded
// lane and worker, so a sink that blocks only delays itself: Write never
// waits for a sink, and an entry that finds a lane full is dropped for that
// sink alone.
type Fanout struct {
	lanes        []*lane
	metrics      *observe.Metrics
	laneSize     int
	writeTimeout time.Duration
	drainTimeout time.Duration
	onError      func(*SinkError)

	mu     sync.RWMutex
	closed bool
}

type lane struct {
	sink  Sink
	queue chan queued
	done  chan struct{}
}

type queued struct {
	ctx   context.Context
	entry Entry
}

// NewFanout returns a [Fanout] over sinks and starts one worker per sink.
// Nil sinks are skipped. Close stops the workers.
func NewFanout(sinks []Sink, opts ...FanoutOption) *Fanout {
	f := &Fanout{
		laneSize:     defaultLaneSize,
		writeTimeout: defaultWriteTimeout,
		drainTimeout: defaultDrainTimeout,
	}
	for _, o := range opts {
		o(f)
	}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		l := &lane{sink: s, queue: make(chan queued, f.laneSize), done: make(chan struct{})}
		f.lanes = append(f.lanes, l)
		go f.work(l)
	}
	return f
}

// Sinks returns the configured sinks.
func (f *Fanout) Sinks() []Sink {
	out := make([]Sink, len(f.lanes))
	for i, l := range f.lanes {
		out[i] = l.sink
	}
	return out
}

// Write queues e for every sink and returns without waiting for delivery.
// The returned error joins one [*SinkError] per sink that could not take
// the entry: [ErrQueueFull] for a backed-up sink, [ErrClosed] after Close.
// Failures of the writes themselves are logged, counted and passed to the
// error handler.
func (f *Fanout) Write(ctx context.Context, e Entry) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return &SinkError{Sink: "fanout", Err: ErrClosed}
	}
	var errs []error
	for _, l := range f.lanes {
		select {
		case l.queue <- queued{ctx: ctx, entry: e}:
		default:
			err := &SinkError{Sink: l.sink.Name(), Err: ErrQueueFull}
			f.record(ctx, l.sink, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// work delivers one sink's entries in order. Writes outlive the caller's
// cancellation so entries queued before a stop still arrive, but each is
// bounded by the write timeout.
func (f *Fanout) work(l *lane) {
	defer close(l.done)
	for q := range l.queue {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(q.ctx), f.writeTimeout)
		err := l.sink.Write(ctx, q.entry)
		cancel()
		if err == nil {
			f.record(q.ctx, l.sink, nil)
			continue
		}
		se := &SinkError{Sink: l.sink.Name(), Err: err}
		f.record(q.ctx, l.sink, se)
		slog.Warn("sink: write failed", "sink", l.sink.Name(), "err", err)
		if f.onError != nil {
			f.onError(se)
		}
	}
}

func (f *Fanout) record(ctx context.Context, s Sink, err error) {
	if f.metrics != nil {
		f.metrics.RecordSinkWrite(context.WithoutCancel(ctx), s.Name(), err)
	}
}

// Close stops accepting entries, waits up to the drain timeout for each
// sink's queue to empty, then closes every sink. It joins one [*SinkError]
// per sink that failed to drain or close. Close is idempotent.
func (f *Fanout) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, l := range f.lanes {
		close(l.queue)
	}
	f.mu.Unlock()

	deadline := time.NewTimer(f.drainTimeout)
	defer deadline.Stop()
	expired := false
	var errs []error
	for _, l := range f.lanes {
		if !expired {
			select {
			case <-l.done:
				continue
			case <-deadline.C:
				expired = true
			}
		}
		select {
		case <-l.done:
			continue
		default:
		}
		// Closing the sink may release the stuck write; the worker then
		// finishes on its own.
		slog.Warn("sink: queue not drained before close", "sink", l.sink.Name(), "pending", len(l.queue))
		errs = append(errs, &SinkError{Sink: l.sink.Name(), Err: fmt.Errorf("drain: %w", context.DeadlineExceeded)})
	}
	for _, l := range f.lanes {
		if err := l.sink.Close(); err != nil {
			slog.Warn("sink: close failed", "sink", l.sink.Name(), "err", err)
			errs = append(errs, &SinkError{Sink: l.sink.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}
