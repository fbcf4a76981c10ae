package schedule

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

// monday is 2026-10-12, a Monday, at midnight local time.
var monday = time.Date(2026, 10, 12, 0, 0, 0, 0, time.Local)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// recorder is a Controller that logs every call.
type recorder struct {
	mu       sync.Mutex
	calls    []string
	startErr error
}

func (r *recorder) StartShow(_ context.Context, show string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "start "+show)
	return r.startErr
}

func (r *recorder) StopShow(_ context.Context, show string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "stop "+show)
	return nil
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func at(day time.Time, hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"12:00 AM", 0},
		{"12:30 am", 30 * time.Minute},
		{"1:05 AM", time.Hour + 5*time.Minute},
		{"12:00 PM", 12 * time.Hour},
		{"2:45 PM", 14*time.Hour + 45*time.Minute},
		{" 11:59 pm ", 23*time.Hour + 59*time.Minute},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseClock(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	for _, bad := range []string{"", "10:00", "13:00 PM", "0:30 AM", "10:7 AM", "10:60 AM", "10:-1 AM", "ten:00 AM", "10:00 XM"} {
		if _, err := ParseClock(bad); !errors.Is(err, ErrBadTime) {
			t.Errorf("ParseClock(%q) = %v, want ErrBadTime", bad, err)
		}
	}
}

func TestShow_Validate(t *testing.T) {
	t.Parallel()
	good := Show{Name: "Morning", Days: []string{"Monday", "friday"}, Start: "9:00 AM", End: "10:30 AM"}
	if err := good.Validate(); err != nil {
		t.Errorf("Validate(good) = %v", err)
	}
	if err := (Show{}).Validate(); err != nil {
		t.Errorf("Validate(defaults) = %v", err)
	}
	cases := []struct {
		show Show
		want error
	}{
		{Show{Days: []string{"Funday"}}, ErrBadDay},
		{Show{Start: "11:00 AM", End: "10:00 AM"}, ErrEmptyWindow},
		{Show{Start: "10:00 AM", End: "10:00 AM"}, ErrEmptyWindow},
		{Show{Start: "25:00"}, ErrBadTime},
	}
	for _, c := range cases {
		if err := c.show.Validate(); !errors.Is(err, c.want) {
			t.Errorf("Validate(%+v) = %v, want %v", c.show, err, c.want)
		}
	}

	tt := Timetable{Shows: []Show{good, {Name: "Broken", End: "nope"}}}
	if err := tt.Validate(); !errors.Is(err, ErrBadTime) {
		t.Errorf("Timetable.Validate = %v, want ErrBadTime", err)
	}
}

func TestShow_Airing(t *testing.T) {
	t.Parallel()
	show := Show{Name: "News", Days: []string{"Monday"}, Start: "10:00 AM", End: "11:00 AM"}
	tests := []struct {
		now  time.Time
		want bool
	}{
		{at(monday, 9, 59), false},
		{at(monday, 10, 0), true},
		{at(monday, 10, 59), true},
		{at(monday, 11, 0), false},
		{at(monday.AddDate(0, 0, 1), 10, 30), false},
		{at(monday.AddDate(0, 0, 7), 10, 30), true},
	}
	for _, tt := range tests {
		if got := show.Airing(tt.now); got != tt.want {
			t.Errorf("Airing(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
	if (Show{Days: []string{"Monday"}, End: "bad"}).Airing(at(monday, 12, 30)) {
		t.Error("invalid show airs")
	}
}

func TestTimetable_CloneIsDeep(t *testing.T) {
	t.Parallel()
	orig := Timetable{Shows: []Show{{Name: "A", Days: []string{"Monday"}}}}
	c := orig.Clone()
	c.Shows[0].Days[0] = "Tuesday"
	if orig.Shows[0].Days[0] != "Monday" {
		t.Error("Clone shares day slices")
	}
}

func TestScheduler_StartsAndStopsOnWindow(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: at(monday, 9, 0)}
	rec := &recorder{}
	s := New(Config{
		Target: rec,
		Shows:  []Show{{Name: "News", Days: []string{"Monday"}, Start: "10:00 AM", End: "11:00 AM"}},
		Now:    clock.Now,
	})
	ctx := context.Background()

	s.Check(ctx)
	if got := rec.Calls(); len(got) != 0 {
		t.Fatalf("calls before window = %v", got)
	}

	clock.Set(at(monday, 10, 0))
	s.Check(ctx)
	clock.Set(at(monday, 10, 30))
	s.Check(ctx)
	if name, ok := s.OnAir(); !ok || name != "News" {
		t.Errorf("OnAir = %q, %v", name, ok)
	}

	clock.Set(at(monday, 11, 0))
	s.Check(ctx)
	s.Check(ctx)

	want := []string{"start News", "stop News"}
	if got := rec.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if _, ok := s.OnAir(); ok {
		t.Error("still on air after the window")
	}
}

func TestScheduler_BackToBackShows(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: at(monday, 10, 30)}
	rec := &recorder{}
	s := New(Config{
		Target: rec,
		Shows: []Show{
			{Name: "First", Days: []string{"Monday"}, Start: "10:00 AM", End: "11:00 AM"},
			{Name: "Second", Days: []string{"Monday"}, Start: "10:30 AM", End: "12:00 PM"},
		},
		Now: clock.Now,
	})
	ctx := context.Background()

	s.Check(ctx)
	clock.Set(at(monday, 11, 0))
	s.Check(ctx)

	want := []string{"start First", "stop First", "start Second"}
	if got := rec.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestScheduler_RefusedStartIsNotStopped(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: at(monday, 10, 0)}
	rec := &recorder{startErr: errors.New("already running")}
	s := New(Config{
		Target: rec,
		Shows:  []Show{{Name: "News", Days: []string{"Monday"}, Start: "10:00 AM", End: "11:00 AM"}},
		Now:    clock.Now,
	})
	ctx := context.Background()

	s.Check(ctx)
	clock.Set(at(monday, 10, 30))
	s.Check(ctx)
	clock.Set(at(monday, 11, 0))
	s.Check(ctx)

	if got := rec.Calls(); !slices.Equal(got, []string{"start News"}) {
		t.Errorf("calls = %v, want a single start attempt", got)
	}
}

func TestScheduler_RemovedShowEnds(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: at(monday, 10, 15)}
	rec := &recorder{}
	s := New(Config{
		Target: rec,
		Shows:  []Show{{Name: "News", Days: []string{"Monday"}, Start: "10:00 AM", End: "11:00 AM"}},
		Now:    clock.Now,
	})
	ctx := context.Background()

	s.Check(ctx)
	s.SetShows(nil)
	s.Check(ctx)

	if got := rec.Calls(); !slices.Equal(got, []string{"start News", "stop News"}) {
		t.Errorf("calls = %v", got)
	}
}

func TestScheduler_RunAndStop(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: at(monday, 8, 0)}
	rec := &recorder{}
	s := New(Config{Target: rec, Interval: time.Hour, Now: clock.Now})
	s.Run(context.Background())
	defer s.Stop()

	clock.Set(at(monday, 10, 5))
	s.SetShows([]Show{{Name: "News", Days: []string{"Monday"}, Start: "10:00 AM", End: "11:00 AM"}})

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("SetShows did not trigger a check")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()
	if got := rec.Calls(); !slices.Equal(got, []string{"start News"}) {
		t.Errorf("calls = %v", got)
	}
}
