// Package schedule starts and stops captioning on a weekly timetable. A
// [Show] names the weekdays and the clock window it airs in; a [Scheduler]
// checks the timetable once a minute and drives a [Controller] such as the
// session manager.
package schedule

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Defaults applied to fields a stored show leaves empty.
const (
	DefaultName  = "Unnamed Show"
	DefaultStart = "12:00 PM"
	DefaultEnd   = "1:00 PM"
)

var (
	// ErrBadTime is returned for a clock time not in "H:MM AM" form.
	ErrBadTime = errors.New("schedule: invalid time")

	// ErrBadDay is returned for a day that is not an English weekday name.
	ErrBadDay = errors.New("schedule: invalid day")

	// ErrEmptyWindow is returned for a show that ends at or before it starts.
	ErrEmptyWindow = errors.New("schedule: end not after start")
)

// Show is one recurring broadcast. Days holds weekday names ("Monday");
// Start and End are 12-hour clock times ("10:30 AM"). The window is
// half-open: a show airing 10:00 AM to 11:00 AM is over at 11:00.
type Show struct {
	Name  string   `json:"name"`
	Days  []string `json:"days"`
	Start string   `json:"start_time"`
	End   string   `json:"end_time"`
}

// Timetable is the stored form of the automations settings key.
type Timetable struct {
	Shows []Show `json:"automations"`
}

// Clone returns a deep copy.
func (t Timetable) Clone() Timetable {
	if t.Shows == nil {
		return Timetable{}
	}
	out := Timetable{Shows: make([]Show, len(t.Shows))}
	for i, s := range t.Shows {
		s.Days = slices.Clone(s.Days)
		out.Shows[i] = s
	}
	return out
}

// Validate checks every show and joins the failures.
func (t Timetable) Validate() error {
	var errs []error
	for i, s := range t.Shows {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("show %d (%s): %w", i, s.withDefaults().Name, err))
		}
	}
	return errors.Join(errs...)
}

// Validate reports a malformed time or day, or an empty window.
func (s Show) Validate() error {
	s = s.withDefaults()
	start, err := ParseClock(s.Start)
	if err != nil {
		return err
	}
	end, err := ParseClock(s.End)
	if err != nil {
		return err
	}
	if end <= start {
		return fmt.Errorf("%w: %s to %s", ErrEmptyWindow, s.Start, s.End)
	}
	for _, d := range s.Days {
		if _, ok := weekday(d); !ok {
			return fmt.Errorf("%w: %q", ErrBadDay, d)
		}
	}
	return nil
}

// Airing reports whether now falls inside the show's window on one of its
// days. A show that fails [Show.Validate] never airs.
func (s Show) Airing(now time.Time) bool {
	s = s.withDefaults()
	start, err := ParseClock(s.Start)
	if err != nil {
		return false
	}
	end, err := ParseClock(s.End)
	if err != nil {
		return false
	}
	if !slices.ContainsFunc(s.Days, func(d string) bool {
		wd, ok := weekday(d)
		return ok && wd == now.Weekday()
	}) {
		return false
	}
	at := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute
	return at >= start && at < end
}

// Equal reports whether two shows describe the same slot.
func (s Show) Equal(o Show) bool {
	a, b := s.withDefaults(), o.withDefaults()
	return a.Name == b.Name && a.Start == b.Start && a.End == b.End && slices.Equal(a.Days, b.Days)
}

func (s Show) withDefaults() Show {
	if s.Name == "" {
		s.Name = DefaultName
	}
	if s.Start == "" {
		s.Start = DefaultStart
	}
	if s.End == "" {
		s.End = DefaultEnd
	}
	return s
}

// ParseClock converts a 12-hour time such as "2:45 PM" into the offset from
// midnight. The period is case-insensitive.
func ParseClock(v string) (time.Duration, error) {
	clock, period, ok := strings.Cut(strings.TrimSpace(v), " ")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadTime, v)
	}
	hh, mm, ok := strings.Cut(clock, ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadTime, v)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 1 || h > 12 {
		return 0, fmt.Errorf("%w: %q", ErrBadTime, v)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || len(mm) != 2 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrBadTime, v)
	}
	switch strings.ToUpper(strings.TrimSpace(period)) {
	case "AM":
		if h == 12 {
			h = 0
		}
	case "PM":
		if h != 12 {
			h += 12
		}
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadTime, v)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

func weekday(name string) (time.Weekday, bool) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(strings.TrimSpace(name), d.String()) {
			return d, true
		}
	}
	return 0, false
}
