package audio

import (
	"bytes"
	"context"
	"errors"
	"sync"
)

// ErrBusClosed is returned by [FrameBus.Pop] once the bus has been closed and
// every buffered frame has been consumed.
var ErrBusClosed = errors.New("audio: frame bus closed")

// DefaultBusCapacity is the capacity used when [NewFrameBus] is given a
// non-positive value. At 20 ms frames it buffers roughly five seconds.
const DefaultBusCapacity = 256

// BusStats is a point-in-time snapshot of [FrameBus] counters.
type BusStats struct {
	// Pushed is the total number of frames accepted by Push.
	Pushed uint64

	// Dropped is the total number of frames evicted because the bus was full.
	Dropped uint64

	// Depth is the number of frames currently buffered.
	Depth int

	// Capacity is the fixed capacity chosen at construction.
	Capacity int
}

// FrameBus is a bounded FIFO that moves frames from a real-time capture
// callback to a single consumer.
//
// [FrameBus.Push] never blocks and never fails: when the ring is full the
// oldest buffered frame is evicted and the drop counter is incremented. The
// critical section is a constant-time ring update, so the capture callback is
// never held behind I/O or another consumer's work.
//
// Each ring slot owns a sample buffer that Push copies into, so once every
// slot has held a frame of the current size Push no longer allocates. The
// consumer side copies frames out of their slots.
//
// Frames leave the bus in push order. Sequence numbers are assigned on push,
// so a consumer observes strictly increasing Seq values with gaps where frames
// were dropped.
type FrameBus struct {
	mu      sync.Mutex
	ring    []AudioFrame
	bufs    [][]byte // per-slot sample storage, reused across pushes
	head    int
	size    int
	nextSeq uint64
	pushed  uint64
	dropped uint64
	closed  bool

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewFrameBus returns a bus with the given fixed capacity.
func NewFrameBus(capacity int) *FrameBus {
	if capacity <= 0 {
		capacity = DefaultBusCapacity
	}
	return &FrameBus{
		ring:  make([]AudioFrame, capacity),
		bufs:  make([][]byte, capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push enqueues a copy of frame and returns false if an older frame had to be
// evicted to make room. Frames pushed after [FrameBus.Close] are counted as
// dropped. Push is safe to call from a real-time audio callback; the caller
// may reuse frame.Data as soon as it returns.
func (b *FrameBus) Push(frame AudioFrame) bool {
	b.mu.Lock()
	if b.closed {
		b.dropped++
		b.mu.Unlock()
		return false
	}
	evicted := false
	if b.size == len(b.ring) {
		b.ring[b.head] = AudioFrame{}
		b.head = (b.head + 1) % len(b.ring)
		b.size--
		b.dropped++
		evicted = true
	}
	b.nextSeq++
	frame.Seq = b.nextSeq
	slot := (b.head + b.size) % len(b.ring)
	buf := b.bufs[slot]
	if cap(buf) < len(frame.Data) {
		buf = make([]byte, len(frame.Data))
	}
	buf = buf[:len(frame.Data)]
	copy(buf, frame.Data)
	b.bufs[slot] = buf
	frame.Data = buf
	b.ring[slot] = frame
	b.size++
	b.pushed++
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return !evicted
}

// Pop blocks until a frame is available, the bus is closed and empty, or ctx
// is cancelled. It must only be called from a single consumer goroutine.
func (b *FrameBus) Pop(ctx context.Context) (AudioFrame, error) {
	for {
		b.mu.Lock()
		if b.size > 0 {
			f := b.take()
			b.mu.Unlock()
			return f, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return AudioFrame{}, ErrBusClosed
		}

		select {
		case <-ctx.Done():
			return AudioFrame{}, ctx.Err()
		case <-b.ready:
		case <-b.done:
		}
	}
}

// Drain removes and returns every buffered frame in order without blocking.
func (b *FrameBus) Drain() []AudioFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]AudioFrame, 0, b.size)
	for b.size > 0 {
		out = append(out, b.take())
	}
	return out
}

// Close stops accepting frames and wakes a blocked consumer. Frames already
// buffered remain available to Pop and Drain. Close is idempotent.
func (b *FrameBus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.done)
	})
}

// Dropped returns the number of frames evicted or rejected so far.
func (b *FrameBus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Stats returns a snapshot of the bus counters.
func (b *FrameBus) Stats() BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BusStats{
		Pushed:   b.pushed,
		Dropped:  b.dropped,
		Depth:    b.size,
		Capacity: len(b.ring),
	}
}

// take pops the head frame, copying its samples out of the slot buffer. b.mu
// must be held and b.size > 0.
func (b *FrameBus) take() AudioFrame {
	f := b.ring[b.head]
	f.Data = bytes.Clone(f.Data)
	b.ring[b.head] = AudioFrame{}
	b.head = (b.head + 1) % len(b.ring)
	b.size--
	return f
}
