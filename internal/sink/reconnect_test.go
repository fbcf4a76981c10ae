package sink_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/captionist/internal/sink"
)

// flakyTarget is degraded until failures reset attempts have failed.
type flakyTarget struct {
	mu       sync.Mutex
	degraded bool
	failures int
	attempts int
	err      error
}

func (f *flakyTarget) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *flakyTarget) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.err != nil {
		return f.err
	}
	if f.attempts <= f.failures {
		return errors.New("port busy")
	}
	f.degraded = false
	return nil
}

func (f *flakyTarget) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func TestReconnector_ResetsAfterFailures(t *testing.T) {
	t.Parallel()
	target := &flakyTarget{degraded: true, failures: 2}
	var reconnected atomic.Int32

	r := sink.NewReconnector(sink.ReconnectorConfig{
		Target:        target,
		Name:          "test",
		CheckInterval: 10 * time.Millisecond,
		Backoff:       5 * time.Millisecond,
		MaxBackoff:    20 * time.Millisecond,
		OnReconnect:   func() { reconnected.Add(1) },
	})
	r.Monitor(context.Background())
	defer r.Stop()

	waitFor(t, "reconnect", func() bool { return reconnected.Load() == 1 })
	if got := target.Attempts(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if target.Degraded() {
		t.Error("target still degraded")
	}
}

func TestReconnector_IdleWhileHealthy(t *testing.T) {
	t.Parallel()
	target := &flakyTarget{}
	r := sink.NewReconnector(sink.ReconnectorConfig{Target: target, CheckInterval: 5 * time.Millisecond})
	r.Monitor(context.Background())
	time.Sleep(50 * time.Millisecond)
	r.Stop()
	if got := target.Attempts(); got != 0 {
		t.Errorf("healthy target reset %d times", got)
	}
}

func TestReconnector_NotifyTriggersImmediateAttempt(t *testing.T) {
	t.Parallel()
	target := &flakyTarget{degraded: true}
	r := sink.NewReconnector(sink.ReconnectorConfig{Target: target, CheckInterval: time.Hour})
	r.Monitor(context.Background())
	defer r.Stop()

	r.NotifyDegraded()
	r.NotifyDegraded()
	waitFor(t, "reset", func() bool { return !target.Degraded() })
}

func TestReconnector_StopsOnClosedTarget(t *testing.T) {
	t.Parallel()
	target := &flakyTarget{degraded: true, err: sink.ErrClosed}
	r := sink.NewReconnector(sink.ReconnectorConfig{
		Target:        target,
		CheckInterval: time.Hour,
		MaxRetries:    5,
		Backoff:       time.Millisecond,
	})
	r.Monitor(context.Background())
	r.NotifyDegraded()
	waitFor(t, "attempt", func() bool { return target.Attempts() >= 1 })
	r.Stop()
	if got := target.Attempts(); got != 1 {
		t.Errorf("attempts on closed target = %d, want 1", got)
	}
}

func TestReconnector_SerialIntegration(t *testing.T) {
	t.Parallel()
	port := &fakePort{}
	s := sink.NewSerial(port)
	defer s.Close()

	port.set(errors.New("unplugged"), nil)
	if err := s.Write(context.Background(), final("one")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "degraded", s.Degraded)

	port.set(nil, nil)
	r := sink.NewReconnector(sink.ReconnectorConfig{Target: s, CheckInterval: 5 * time.Millisecond})
	r.Monitor(context.Background())
	defer r.Stop()

	waitFor(t, "recovered", func() bool { return !s.Degraded() })
	if err := s.Write(context.Background(), final("two")); err != nil {
		t.Fatalf("Write after recovery: %v", err)
	}
	waitFor(t, "line written", func() bool { return port.String() == "two\r\n" })
}
