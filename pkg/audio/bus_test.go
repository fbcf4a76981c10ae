package audio_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/captionist/pkg/audio"
)

func frame(v byte) audio.AudioFrame {
	return audio.AudioFrame{Data: []byte{v, 0}, SampleRate: 16000, Channels: 1}
}

func TestFrameBus_FIFOAndSequence(t *testing.T) {
	t.Parallel()
	bus := audio.NewFrameBus(4)
	for i := range 3 {
		if !bus.Push(frame(byte(i))) {
			t.Fatalf("push %d evicted a frame", i)
		}
	}
	ctx := context.Background()
	for i := range 3 {
		f, err := bus.Pop(ctx)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if f.Seq != uint64(i+1) {
			t.Errorf("pop %d: got seq %d, want %d", i, f.Seq, i+1)
		}
		if f.Data[0] != byte(i) {
			t.Errorf("pop %d: got data %d, want %d", i, f.Data[0], i)
		}
	}
}

func TestFrameBus_OverflowDropsOldest(t *testing.T) {
	t.Parallel()
	bus := audio.NewFrameBus(3)
	var prevDropped uint64
	for i := range 10 {
		bus.Push(frame(byte(i)))
		if i >= 3 {
			d := bus.Dropped()
			if d <= prevDropped {
				t.Fatalf("push %d: dropped counter did not increase (%d)", i, d)
			}
			prevDropped = d
		}
	}
	st := bus.Stats()
	if st.Pushed != 10 || st.Dropped != 7 || st.Depth != 3 {
		t.Fatalf("stats: got %+v", st)
	}
	got := bus.Drain()
	wantSeq := []uint64{8, 9, 10}
	for i, f := range got {
		if f.Seq != wantSeq[i] {
			t.Errorf("frame %d: got seq %d, want %d", i, f.Seq, wantSeq[i])
		}
	}
}

func TestFrameBus_PushCopiesData(t *testing.T) {
	t.Parallel()
	bus := audio.NewFrameBus(2)
	buf := []byte{1, 2}
	bus.Push(audio.AudioFrame{Data: buf})
	buf[0] = 99
	f, _ := bus.Pop(context.Background())
	if f.Data[0] != 1 {
		t.Errorf("frame mutated after push: got %d, want 1", f.Data[0])
	}
}

// Not parallel: AllocsPerRun refuses to run in a parallel test.
func TestFrameBus_PushDoesNotAllocate(t *testing.T) {
	bus := audio.NewFrameBus(8)
	f := audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1}
	for range 8 {
		bus.Push(f) // every slot gets its buffer
	}
	if n := testing.AllocsPerRun(100, func() { bus.Push(f) }); n != 0 {
		t.Errorf("Push allocates %.1f times per call, want 0", n)
	}
	bus.Drain()
	if n := testing.AllocsPerRun(100, func() { bus.Push(f) }); n != 0 {
		t.Errorf("Push after drain allocates %.1f times per call, want 0", n)
	}
}

func TestFrameBus_PoppedFrameOutlivesSlotReuse(t *testing.T) {
	t.Parallel()
	bus := audio.NewFrameBus(1)
	bus.Push(frame(1))
	got, err := bus.Pop(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	bus.Push(frame(2))
	if got.Data[0] != 1 {
		t.Errorf("popped frame overwritten by a later push: got %d, want 1", got.Data[0])
	}
}

func TestFrameBus_PushNeverBlocks(t *testing.T) {
	t.Parallel()
	bus := audio.NewFrameBus(1)
	done := make(chan struct{})
	go func() {
		for range 10000 {
			bus.Push(frame(1))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked with no consumer")
	}
}

func TestFrameBus_ConcurrentOrder(t *testing.T) {
	t.Parallel()
	bus := audio.NewFrameBus(8)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 5000 {
			bus.Push(frame(0))
		}
		bus.Close()
	}()

	var last uint64
	for {
		f, err := bus.Pop(ctx)
		if errors.Is(err, audio.ErrBusClosed) {
			break
		}
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if f.Seq <= last {
			t.Fatalf("out of order: seq %d after %d", f.Seq, last)
		}
		last = f.Seq
	}
	wg.Wait()
	if last != 5000 {
		t.Errorf("last seq: got %d, want 5000", last)
	}
}

func TestFrameBus_CloseDeliversBuffered(t *testing.T) {
	t.Parallel()
	bus := audio.NewFrameBus(4)
	bus.Push(frame(1))
	bus.Close()
	bus.Close()

	if bus.Push(frame(2)) {
		t.Error("push after close should report a drop")
	}
	ctx := context.Background()
	if _, err := bus.Pop(ctx); err != nil {
		t.Fatalf("pop buffered: %v", err)
	}
	if _, err := bus.Pop(ctx); !errors.Is(err, audio.ErrBusClosed) {
		t.Fatalf("got %v, want ErrBusClosed", err)
	}
}

func TestFrameBus_PopHonoursContext(t *testing.T) {
	t.Parallel()
	bus := audio.NewFrameBus(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := bus.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}
