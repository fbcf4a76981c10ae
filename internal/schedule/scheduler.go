package schedule

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultInterval is how often the timetable is checked.
const DefaultInterval = time.Minute

// Controller is what a [Scheduler] starts and stops.
type Controller interface {
	StartShow(ctx context.Context, show string) error
	StopShow(ctx context.Context, show string) error
}

// Config configures a [Scheduler].
type Config struct {
	// Target receives the start and stop calls.
	Target Controller

	// Shows is the initial timetable.
	Shows []Show

	// Interval defaults to [DefaultInterval].
	Interval time.Duration

	// Now defaults to [time.Now].
	Now func() time.Time
}

// Scheduler starts Target when a show's window opens and stops it when the
// window closes. One show is on air at a time; a show that opens while
// another airs starts at the check that finds the first one over.
//
// A start the target refuses (capture already running by hand, say) is
// logged and the show is still considered on air, but the scheduler will
// not stop what it did not start.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	target   Controller
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	shows  []Show
	onAir  *Show
	owned  bool
	kicked chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a [Scheduler]. Call [Scheduler.Run] to start checking.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		target:   cfg.Target,
		interval: cfg.Interval,
		now:      cfg.Now,
		shows:    cloneShows(cfg.Shows),
		kicked:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Run checks the timetable at once and then every interval, in a
// background goroutine, until ctx ends or [Scheduler.Stop] is called.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.Check(ctx)
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.kicked:
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts checking and waits for the loop. It does not stop a show on
// air. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// SetShows replaces the timetable and requests a check. A show on air that
// the new timetable no longer lists ends at that check.
func (s *Scheduler) SetShows(shows []Show) {
	s.mu.Lock()
	s.shows = cloneShows(shows)
	s.mu.Unlock()
	select {
	case s.kicked <- struct{}{}:
	default:
	}
}

// Shows returns a copy of the timetable.
func (s *Scheduler) Shows() []Show {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneShows(s.shows)
}

// OnAir returns the name of the show currently airing.
func (s *Scheduler) OnAir() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onAir == nil {
		return "", false
	}
	return s.onAir.withDefaults().Name, true
}

// Check evaluates the timetable once against the clock.
func (s *Scheduler) Check(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	if s.onAir != nil {
		if s.onAir.Airing(now) && slices.ContainsFunc(s.shows, s.onAir.Equal) {
			return
		}
		ended := s.onAir.withDefaults().Name
		owned := s.owned
		s.onAir, s.owned = nil, false
		if owned {
			slog.Info("schedule: show ended", "show", ended)
			if err := s.target.StopShow(ctx, ended); err != nil {
				slog.Warn("schedule: stop failed", "show", ended, "err", err)
			}
		}
	}

	for i := range s.shows {
		if !s.shows[i].Airing(now) {
			continue
		}
		show := s.shows[i]
		show.Days = slices.Clone(show.Days)
		name := show.withDefaults().Name
		s.onAir = &show
		if err := s.target.StartShow(ctx, name); err != nil {
			slog.Warn("schedule: start refused", "show", name, "err", err)
			return
		}
		s.owned = true
		slog.Info("schedule: show started", "show", name)
		return
	}
}

func cloneShows(shows []Show) []Show {
	return Timetable{Shows: shows}.Clone().Shows
}
