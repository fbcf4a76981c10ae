package sink

import (
	"context"
	"sync"
)

// DefaultDisplayCapacity is the number of captions a [Display] retains.
const DefaultDisplayCapacity = 1000

// Display is the bounded transcript view. It keeps the most recent final
// captions and the current partial. It never fails.
type Display struct {
	mu      sync.RWMutex
	ring    []Entry
	next    int
	full    bool
	partial Entry
}

var _ Sink = (*Display)(nil)

// NewDisplay returns a [Display] retaining capacity finals.
// A non-positive capacity selects [DefaultDisplayCapacity].
func NewDisplay(capacity int) *Display {
	if capacity <= 0 {
		capacity = DefaultDisplayCapacity
	}
	return &Display{ring: make([]Entry, capacity)}
}

// Name implements [Sink].
func (d *Display) Name() string { return "display" }

// Write implements [Sink]. A final clears the current partial.
func (d *Display) Write(_ context.Context, e Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !e.Final {
		d.partial = e
		return nil
	}
	d.partial = Entry{}
	d.ring[d.next] = e
	d.next = (d.next + 1) % len(d.ring)
	if d.next == 0 {
		d.full = true
	}
	return nil
}

// Entries returns the retained finals, oldest first.
func (d *Display) Entries() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.full {
		return append([]Entry(nil), d.ring[:d.next]...)
	}
	out := make([]Entry, 0, len(d.ring))
	out = append(out, d.ring[d.next:]...)
	return append(out, d.ring[:d.next]...)
}

// Partial returns the latest interim caption, if any.
func (d *Display) Partial() (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.partial, d.partial.Text != ""
}

// Clear drops all retained captions.
func (d *Display) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.ring)
	d.next, d.full = 0, false
	d.partial = Entry{}
}

// Close implements [Sink].
func (d *Display) Close() error { return nil }
