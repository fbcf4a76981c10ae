package sink_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/captionist/internal/observe"
	"github.com/MrWong99/captionist/internal/sink"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// recordingSink collects entries and optionally fails.
type recordingSink struct {
	name string
	err  error

	mu      sync.Mutex
	entries []sink.Entry
	closed  bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(_ context.Context, e sink.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) got() []sink.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sink.Entry(nil), s.entries...)
}

func final(text string) sink.Entry {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return sink.Entry{Text: text, Start: now, End: now.Add(time.Second), SessionID: "s1", Final: true}
}

// stalledSink blocks every Write until release is closed.
type stalledSink struct {
	release chan struct{}
	calls   atomic.Int32
}

func (s *stalledSink) Name() string { return "stalled" }

func (s *stalledSink) Write(context.Context, sink.Entry) error {
	s.calls.Add(1)
	<-s.release
	return nil
}

func (s *stalledSink) Close() error { return nil }

func TestFanout_DeliversToAll(t *testing.T) {
	t.Parallel()
	a, b := &recordingSink{name: "a"}, &recordingSink{name: "b"}
	f := sink.NewFanout([]sink.Sink{a, nil, b})
	if len(f.Sinks()) != 2 {
		t.Fatalf("Sinks() = %d, want 2", len(f.Sinks()))
	}
	for _, text := range []string{"one", "two", "three"} {
		if err := f.Write(context.Background(), final(text)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, s := range []*recordingSink{a, b} {
		got := s.got()
		if len(got) != 3 || got[0].Text != "one" || got[2].Text != "three" {
			t.Errorf("%s got %+v, want one, two, three in order", s.name, got)
		}
	}
}

func TestFanout_StalledSinkDoesNotHoldBackOthers(t *testing.T) {
	t.Parallel()
	stalled := &stalledSink{release: make(chan struct{})}
	display := sink.NewDisplay(10)
	f := sink.NewFanout([]sink.Sink{stalled, display}, sink.WithDrainTimeout(50*time.Millisecond))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, text := range []string{"a", "b", "c"} {
			if err := f.Write(context.Background(), final(text)); err != nil {
				t.Errorf("Write(%s): %v", text, err)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Write blocked on a stalled sink")
	}
	waitFor(t, "display entries", func() bool { return len(display.Entries()) == 3 })

	// Close gives up on the stalled sink instead of hanging.
	err := f.Close()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close = %v, want a drain timeout for the stalled sink", err)
	}
	close(stalled.release)
}

func TestFanout_FullLaneDropsForThatSinkOnly(t *testing.T) {
	t.Parallel()
	stalled := &stalledSink{release: make(chan struct{})}
	defer close(stalled.release)
	rec := &recordingSink{name: "rec"}
	f := sink.NewFanout([]sink.Sink{stalled, rec}, sink.WithLaneSize(1))

	_ = f.Write(context.Background(), final("a"))
	waitFor(t, "stalled write", func() bool { return stalled.calls.Load() == 1 })
	waitFor(t, "rec a", func() bool { return len(rec.got()) == 1 })
	_ = f.Write(context.Background(), final("b")) // fills the stalled lane
	waitFor(t, "rec b", func() bool { return len(rec.got()) == 2 })

	err := f.Write(context.Background(), final("c"))
	var se *sink.SinkError
	if !errors.As(err, &se) || se.Sink != "stalled" || !errors.Is(err, sink.ErrQueueFull) {
		t.Fatalf("Write = %v, want ErrQueueFull from the stalled sink", err)
	}
	waitFor(t, "rec c", func() bool { return len(rec.got()) == 3 })
}

func TestFanout_FailuresAreIndependent(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	good := &recordingSink{name: "good"}
	bad := &recordingSink{name: "bad", err: boom}
	worse := &recordingSink{name: "worse", err: sink.ErrDegraded}

	var mu sync.Mutex
	failed := map[string]error{}
	f := sink.NewFanout([]sink.Sink{bad, good, worse}, sink.WithErrorHandler(func(se *sink.SinkError) {
		mu.Lock()
		defer mu.Unlock()
		failed[se.Sink] = se
	}))

	if err := f.Write(context.Background(), final("x")); err != nil {
		t.Fatalf("Write = %v, want nil (failures are reported asynchronously)", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(good.got()) != 1 {
		t.Error("healthy sink did not receive the entry")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 2 {
		t.Fatalf("failed sinks = %v, want bad and worse", failed)
	}
	if !errors.Is(failed["bad"], boom) || !errors.Is(failed["worse"], sink.ErrDegraded) {
		t.Errorf("errors = %v", failed)
	}
}

func TestFanout_Close(t *testing.T) {
	t.Parallel()
	a, b := &recordingSink{name: "a"}, &recordingSink{name: "b"}
	f := sink.NewFanout([]sink.Sink{a, b})
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Error("not every sink was closed")
	}
	if err := f.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := f.Write(context.Background(), final("late")); !errors.Is(err, sink.ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}

func TestFanout_RecordsMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := sink.NewFanout([]sink.Sink{
		&recordingSink{name: "ok"},
		&recordingSink{name: "bad", err: errors.New("x")},
	}, sink.WithMetrics(m))
	_ = f.Write(context.Background(), final("a"))
	_ = f.Write(context.Background(), final("b"))
	_ = f.Close()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if sum, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[met.Name] += dp.Value
				}
			}
		}
	}
	if totals["captionist.sink.writes"] != 2 || totals["captionist.sink.errors"] != 2 {
		t.Errorf("writes=%d errors=%d, want 2 and 2",
			totals["captionist.sink.writes"], totals["captionist.sink.errors"])
	}
}
