package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func get(t *testing.T, h *Handler, path string) (int, Report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("%s: decode body: %v", path, err)
	}
	return rec.Code, rep
}

func pass(context.Context) error { return nil }

func TestEndpoints(t *testing.T) {
	t.Parallel()
	refused := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name     string
		checkers []Checker
		path     string
		wantCode int
		wantFail []string
	}{
		{name: "liveness ignores checkers", checkers: []Checker{{"db", refused}}, path: "/healthz", wantCode: http.StatusOK},
		{name: "ready without checkers", path: "/readyz", wantCode: http.StatusOK},
		{name: "all pass", checkers: []Checker{{"engine", pass}, {"nats", pass}}, path: "/readyz", wantCode: http.StatusOK},
		{
			name:     "one fails",
			checkers: []Checker{{"engine", pass}, {"postgres", refused}},
			path:     "/readyz",
			wantCode: http.StatusServiceUnavailable,
			wantFail: []string{"postgres"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, rep := get(t, New(tt.checkers...), tt.path)
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			for _, name := range tt.wantFail {
				if r := rep.Checks[name]; r.OK || r.Error != "connection refused" {
					t.Errorf("check %s = %+v", name, r)
				}
			}
			if want := len(tt.wantFail) == 0; (rep.Status == "ok") != want {
				t.Errorf("status = %q", rep.Status)
			}
		})
	}
}

func TestRun_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	block := func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}
	h := New(Checker{"a", block}, Checker{"b", block})

	done := make(chan Report, 1)
	go func() { done <- h.Run(context.Background()) }()
	<-started
	<-started
	close(release)
	if rep := <-done; rep.Status != "ok" || len(rep.Checks) != 2 {
		t.Errorf("report = %+v", rep)
	}
}

func TestRun_CancelledRequest(t *testing.T) {
	t.Parallel()
	h := New(Checker{"slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := h.Run(ctx)
	if rep.Status != "fail" || rep.Checks["slow"].Error != context.Canceled.Error() {
		t.Errorf("report = %+v", rep)
	}
}

func TestRun_RecordsLatency(t *testing.T) {
	t.Parallel()
	h := New(Checker{"serial", func(context.Context) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}})
	if got := h.Run(context.Background()).Checks["serial"].LatencyMs; got < 5 {
		t.Errorf("latency = %vms, want >= 5", got)
	}
}

func TestAdd_LateChecker(t *testing.T) {
	t.Parallel()
	h := New()
	h.Add(Checker{"serial", func(context.Context) error { return ErrDegraded }})
	if code, _ := get(t, h, "/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
}

type fakeDegrader struct{ degraded bool }

func (f *fakeDegrader) Degraded() bool { return f.degraded }

type fakeConn struct{ healthy bool }

func (f *fakeConn) Healthy() bool { return f.healthy }

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

func TestCheckers(t *testing.T) {
	t.Parallel()
	pingErr := errors.New("connection refused")
	cause := errors.New("model not found")

	tests := []struct {
		name    string
		checker Checker
		wantErr error
	}{
		{name: "engine live", checker: Engine(func() (bool, error) { return false, nil }, false)},
		{name: "engine demo", checker: Engine(func() (bool, error) { return true, cause }, false), wantErr: ErrDemoMode},
		{name: "engine demo allowed", checker: Engine(func() (bool, error) { return true, cause }, true)},
		{name: "serial ok", checker: Degraded("serial", &fakeDegrader{})},
		{name: "serial degraded", checker: Degraded("serial", &fakeDegrader{degraded: true}), wantErr: ErrDegraded},
		{name: "nats connected", checker: Connected("nats", &fakeConn{healthy: true})},
		{name: "nats down", checker: Connected("nats", &fakeConn{}), wantErr: ErrDisconnected},
		{name: "postgres ok", checker: Ping("postgres", &fakePinger{})},
		{name: "postgres down", checker: Ping("postgres", &fakePinger{err: pingErr}), wantErr: pingErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.checker.Check(context.Background())
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
