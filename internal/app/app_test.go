package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/captionist/internal/app"
	"github.com/MrWong99/captionist/internal/config"
	"github.com/MrWong99/captionist/internal/sink"
	"github.com/MrWong99/captionist/internal/startup"
	"github.com/MrWong99/captionist/pkg/audio"
	audiomock "github.com/MrWong99/captionist/pkg/audio/mock"
	"github.com/MrWong99/captionist/pkg/provider/stt"
	sttmock "github.com/MrWong99/captionist/pkg/provider/stt/mock"
)

// harness is an App wired to a mock source and engine.
type harness struct {
	dir    string
	cfg    *config.Config
	reg    *config.Registry
	src    *audiomock.Source
	handle *sttmock.Session
	engine *sttmock.Provider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		dir:    dir,
		reg:    config.NewRegistry(),
		src:    &audiomock.Source{SourceFormat: audio.Format{SampleRate: 16000, Channels: 1}},
		handle: sttmock.NewSession(16),
	}
	h.engine = &sttmock.Provider{Session: h.handle}

	cfg := config.Default()
	cfg.Server.ListenAddr = ""
	cfg.Capture.Source = "mock"
	cfg.Providers.STT = config.ProviderEntry{Name: "mock"}
	cfg.Paths.Settings = filepath.Join(dir, "settings.json")
	cfg.Paths.Vocab = filepath.Join(dir, "custom_vocab.json")
	cfg.Paths.ReloadInterval = 10 * time.Millisecond
	cfg.Profiles.Dir = filepath.Join(dir, "profiles")
	h.cfg = cfg

	h.reg.RegisterSource("mock", func(config.CaptureConfig) (audio.Source, error) { return h.src, nil })
	h.reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) { return h.engine, nil })
	return h
}

func (h *harness) writeSettings(t *testing.T, doc map[string]any) {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(h.cfg.Paths.Settings, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) start(t *testing.T, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), h.cfg, &app.Providers{Registry: h.reg}, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func do(t *testing.T, a *app.App, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func frame() audio.AudioFrame {
	return audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1}
}

type collector struct {
	mu      sync.Mutex
	entries []sink.Entry
}

func (c *collector) Name() string { return "collector" }
func (c *collector) Close() error { return nil }

func (c *collector) Write(_ context.Context, e sink.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.Final {
		c.entries = append(c.entries, e)
	}
	return nil
}

func (c *collector) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Text
	}
	return out
}

func TestNew_WritesDefaultSettings(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.start(t)

	if _, err := os.Stat(h.cfg.Paths.Settings); err != nil {
		t.Fatalf("settings file not written: %v", err)
	}
	if got := a.Settings().Baud; got != 9600 {
		t.Errorf("Baud = %d, want default 9600", got)
	}
}

func TestNew_RejectsInvalidSettings(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.writeSettings(t, map[string]any{"baud": -1})

	_, err := app.New(context.Background(), h.cfg, &app.Providers{Registry: h.reg})
	if err == nil || !strings.Contains(err.Error(), "baud") {
		t.Fatalf("New() error = %v, want one naming baud", err)
	}
}

func TestNew_RequiresRegistry(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), config.Default(), &app.Providers{}); err == nil {
		t.Fatal("New() without registry succeeded")
	}
}

func TestHTTP_SessionLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	words := filepath.Join(h.dir, "words.txt")
	if err := os.WriteFile(words, []byte("darn\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.writeSettings(t, map[string]any{"bad_words": words})
	a := h.start(t)

	if rec := do(t, a, http.MethodPost, "/v1/sinks/serial/reset", ""); rec.Code != http.StatusConflict {
		t.Errorf("serial reset without session = %d, want 409", rec.Code)
	}
	if rec := do(t, a, http.MethodPost, "/v1/session/start", ""); rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body)
	}
	if rec := do(t, a, http.MethodPost, "/v1/session/start", ""); rec.Code != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", rec.Code)
	}
	if rec := do(t, a, http.MethodPost, "/v1/sinks/serial/reset", ""); rec.Code != http.StatusConflict {
		t.Errorf("serial reset with serial disabled = %d, want 409", rec.Code)
	}

	h.src.Emit(frame())
	waitFor(t, "frame fed", func() bool { return h.handle.SendAudioCallCount() == 1 })
	h.handle.FinalsCh <- stt.Transcript{Text: "oh darn it", IsFinal: true}
	waitFor(t, "caption displayed", func() bool { return len(a.Display().Entries()) == 1 })

	rec := do(t, a, http.MethodGet, "/v1/captions", "")
	var captions struct {
		Finals []sink.Entry `json:"finals"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &captions); err != nil {
		t.Fatal(err)
	}
	if len(captions.Finals) != 1 || captions.Finals[0].Text != "oh **** it" {
		t.Errorf("captions = %+v", captions.Finals)
	}

	rec = do(t, a, http.MethodGet, "/v1/session", "")
	var status struct {
		Active  bool `json:"active"`
		Session struct {
			State  string `json:"state"`
			Engine string `json:"engine"`
		} `json:"session"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if !status.Active || status.Session.State != "running" || status.Session.Engine != "mock" {
		t.Errorf("status = %+v", status)
	}

	if rec := do(t, a, http.MethodPost, "/v1/session/stop", ""); rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d, body %s", rec.Code, rec.Body)
	}
	if a.Sessions().IsActive() {
		t.Error("session still active after stop")
	}
	if rec := do(t, a, http.MethodPost, "/v1/session/stop", ""); rec.Code != http.StatusConflict {
		t.Errorf("second stop status = %d, want 409", rec.Code)
	}
	if len(a.Display().Entries()) != 1 {
		t.Error("display cleared by session stop")
	}
}

func TestHTTP_RedactPreview(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	words := filepath.Join(h.dir, "words.txt")
	if err := os.WriteFile(words, []byte("darn\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.writeSettings(t, map[string]any{"bad_words": words})
	a := h.start(t)

	rec := do(t, a, http.MethodPost, "/v1/redact/preview", `{"text":"darn it","mode":"keep_first","mask":"#"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Text != "d### it" {
		t.Errorf("preview = %q, want %q", resp.Text, "d### it")
	}
	if a.Settings().BleepMode != "fixed" {
		t.Error("preview changed the stored redaction mode")
	}

	if rec := do(t, a, http.MethodPost, "/v1/redact/preview", `{"text":"x","mode":"shout"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid mode status = %d, want 400", rec.Code)
	}
}

func TestSettingsReload_AppliesRedactionToRunningSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	words := filepath.Join(h.dir, "words.txt")
	if err := os.WriteFile(words, []byte("darn\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.writeSettings(t, map[string]any{"bad_words": words})
	col := &collector{}
	a := h.start(t, app.WithSinks(col))

	if _, err := a.Sessions().Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.writeSettings(t, map[string]any{"bad_words": words, "bleep_mode": "keep_first"})
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(h.cfg.Paths.Settings, future, future); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "settings reload", func() bool { return a.Settings().BleepMode == "keep_first" })

	h.handle.FinalsCh <- stt.Transcript{Text: "darn", IsFinal: true}
	waitFor(t, "final", func() bool { return len(col.texts()) == 1 })
	if got := col.texts()[0]; got != "d***" {
		t.Errorf("final = %q, want d***", got)
	}
}

func TestSettingsReload_InvalidEditKeepsPrevious(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.start(t)

	h.writeSettings(t, map[string]any{"profile_threshold": 3})
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(h.cfg.Paths.Settings, future, future); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := a.Settings().ProfileThreshold; got != 0.7 {
		t.Errorf("ProfileThreshold = %v, want the previous 0.7", got)
	}
}

func TestEngineUnavailable_DemoAndReadiness(t *testing.T) {
	t.Parallel()
	for _, showError := range []bool{false, true} {
		h := newHarness(t)
		h.reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
			return nil, errors.New("model missing")
		})
		a := h.start(t, app.WithStartup(startup.Options{ShowError: showError}))

		if _, err := a.Sessions().Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		demo, cause := a.Sessions().Demo()
		if !demo || cause == nil {
			t.Fatalf("Demo() = %v, %v; want demo with cause", demo, cause)
		}

		st, _ := a.Sessions().Status()
		if st.EngineState != "demo" {
			t.Errorf("EngineState = %q, want demo", st.EngineState)
		}
		if hasCause := st.EngineCause != ""; hasCause != showError {
			t.Errorf("show_error=%v: EngineCause = %q", showError, st.EngineCause)
		}
		if rec := do(t, a, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("readyz in demo mode = %d, want 503", rec.Code)
		}
	}
}

func TestRun_Autostart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	model := filepath.Join(h.dir, "model.bin")
	if err := os.WriteFile(model, []byte("ggml"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.writeSettings(t, map[string]any{"model_path": model})
	a := h.start(t, app.WithStartup(startup.Options{Autostart: true}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "autostart", a.Sessions().IsActive)
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
}

func TestRun_AutostartSkippedWithoutModel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.start(t, app.WithStartup(startup.Options{Autostart: true}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if a.Sessions().IsActive() {
		t.Error("session autostarted without a valid model path")
	}
}

func TestShutdown_StopsActiveSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a, err := app.New(context.Background(), h.cfg, &app.Providers{Registry: h.reg})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Sessions().Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if a.Sessions().IsActive() {
		t.Error("session still active after shutdown")
	}
	st, _ := a.Sessions().Status()
	if st.State != "stopped" {
		t.Errorf("last state = %q, want stopped", st.State)
	}
	// Idempotent.
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}

func TestShutdown_RespectsDeadline(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a, err := app.New(context.Background(), h.cfg, &app.Providers{Registry: h.reg})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cfg.Server.Metrics = true
	a := h.start(t)

	if rec := do(t, a, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	if rec := do(t, a, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("readyz without session = %d, body %s", rec.Code, rec.Body)
	}
	rec := do(t, a, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("# ")) {
		t.Errorf("metrics = %d", rec.Code)
	}
}

func TestSettingsReload_AppliesPunctuation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	col := &collector{}
	a := h.start(t, app.WithSinks(col))

	if _, err := a.Sessions().Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.handle.FinalsCh <- stt.Transcript{Text: "i agree", IsFinal: true}
	waitFor(t, "first final", func() bool { return len(col.texts()) == 1 })

	h.writeSettings(t, map[string]any{"punctuator": "rule"})
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(h.cfg.Paths.Settings, future, future); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "settings reload", func() bool { return a.Settings().Punctuator == "rule" })

	h.handle.FinalsCh <- stt.Transcript{Text: "i agree", IsFinal: true}
	waitFor(t, "second final", func() bool { return len(col.texts()) == 2 })
	got := col.texts()
	if got[0] != "i agree" || got[1] != "I agree." {
		t.Errorf("finals = %q, want unpunctuated then punctuated", got)
	}
}

// stoppedClock reads a fixed instant.
type stoppedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stoppedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func TestRun_ShowScheduleDrivesCapture(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	model := filepath.Join(h.dir, "model.bin")
	if err := os.WriteFile(model, []byte("ggml"), 0o644); err != nil {
		t.Fatal(err)
	}
	show := map[string]any{"name": "News", "days": []string{"Monday"}, "start_time": "10:00 AM", "end_time": "11:00 AM"}
	h.writeSettings(t, map[string]any{
		"model_path":  model,
		"automations": map[string]any{"automations": []any{show}},
	})
	// 2026-10-12 was a Monday.
	clock := &stoppedClock{now: time.Date(2026, 10, 12, 10, 30, 0, 0, time.Local)}
	a := h.start(t, app.WithClock(clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "scheduled start", a.Sessions().IsActive)
	rec := do(t, a, http.MethodGet, "/v1/schedule", "")
	var resp struct {
		Shows []map[string]any `json:"shows"`
		OnAir string           `json:"on_air"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode schedule: %v", err)
	}
	if rec.Code != http.StatusOK || len(resp.Shows) != 1 || resp.OnAir != "News" {
		t.Errorf("schedule = %d %s", rec.Code, rec.Body)
	}

	// Dropping the show from the timetable ends it.
	h.writeSettings(t, map[string]any{"model_path": model})
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(h.cfg.Paths.Settings, future, future); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "scheduled stop", func() bool { return !a.Sessions().IsActive() })

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
}
