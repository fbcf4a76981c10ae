package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultCheckInterval = 2 * time.Second
	defaultMaxRetries    = 10
	defaultBackoff       = 1 * time.Second
	defaultMaxBackoff    = 30 * time.Second
)

// Resetter is a degradable sink that can try to resume, such as [Serial].
type Resetter interface {
	Degrader
	Reset() error
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Target is the sink to watch.
	Target Resetter

	// Name labels log lines (e.g. the serial port name).
	Name string

	// CheckInterval is how often Target.Degraded is polled. Defaults to 2s.
	CheckInterval time.Duration

	// MaxRetries is the maximum number of reset attempts in one round. A
	// later check that still finds the target degraded starts a new round.
	// Defaults to 10.
	MaxRetries int

	// Backoff is the initial delay between attempts. It doubles each attempt
	// up to MaxBackoff. Defaults to 1s.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the delay. Defaults to 30s.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reset. May be nil.
	OnReconnect func()
}

// Reconnector watches a degradable sink and resets it with exponential
// backoff once it degrades. The serial port of a captioning encoder is the
// typical target: an unplugged USB adapter comes back under the same name.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	target        Resetter
	name          string
	checkInterval time.Duration
	maxRetries    int
	backoff       time.Duration
	maxBackoff    time.Duration
	onReconnect   func()

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	notify   chan struct{}
}

// NewReconnector creates a [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	r := &Reconnector{
		target:        cfg.Target,
		name:          cfg.Name,
		checkInterval: cfg.CheckInterval,
		maxRetries:    cfg.MaxRetries,
		backoff:       cfg.Backoff,
		maxBackoff:    cfg.MaxBackoff,
		onReconnect:   cfg.OnReconnect,
		done:          make(chan struct{}),
		notify:        make(chan struct{}, 1),
	}
	if r.checkInterval <= 0 {
		r.checkInterval = defaultCheckInterval
	}
	if r.maxRetries <= 0 {
		r.maxRetries = defaultMaxRetries
	}
	if r.backoff <= 0 {
		r.backoff = defaultBackoff
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = defaultMaxBackoff
	}
	return r
}

// Monitor starts watching in a background goroutine until ctx ends or
// [Reconnector.Stop] is called.
func (r *Reconnector) Monitor(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.monitorLoop(ctx)
	}()
}

// NotifyDegraded requests an immediate recovery attempt. Safe to call
// multiple times; pending notifications coalesce.
func (r *Reconnector) NotifyDegraded() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Stop halts monitoring and waits for the monitor goroutine. It does not
// close the target. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.notify:
		case <-ticker.C:
		}
		if r.target.Degraded() {
			r.attemptReset(ctx)
		}
	}
}

// attemptReset tries to reset the target with exponential backoff.
func (r *Reconnector) attemptReset(ctx context.Context) {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		err := r.target.Reset()
		if err == nil {
			slog.Info("sink: reconnected", "sink", r.name, "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect()
			}
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}

		slog.Warn("sink: reconnect attempt failed",
			"sink", r.name,
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	slog.Error("sink: reconnect gave up", "sink", r.name, "max_retries", r.maxRetries)
}
