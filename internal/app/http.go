package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/captionist/internal/observe"
	"github.com/MrWong99/captionist/internal/redact"
	"github.com/MrWong99/captionist/internal/schedule"
	"github.com/MrWong99/captionist/internal/session"
	"github.com/MrWong99/captionist/internal/sink"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// Handler returns the HTTP API. It is served by [App.Run] and exposed for
// tests and embedding.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.cfg.Server.Metrics {
		mux.Handle("GET /metrics", observe.MetricsHandler())
	}
	if a.feed != nil {
		mux.Handle("GET /v1/captions/ws", a.feed.Handler())
	}
	mux.HandleFunc("GET /v1/captions", a.handleCaptions)
	mux.HandleFunc("GET /v1/session", a.handleSessionStatus)
	mux.HandleFunc("POST /v1/session/start", a.handleSessionStart)
	mux.HandleFunc("POST /v1/session/stop", a.handleSessionStop)
	mux.HandleFunc("POST /v1/redact/preview", a.handleRedactPreview)
	mux.HandleFunc("POST /v1/sinks/serial/reset", a.handleSerialReset)
	mux.HandleFunc("GET /v1/schedule", a.handleSchedule)
	return observe.Middleware(a.metrics)(mux)
}

type sessionResponse struct {
	Active bool            `json:"active"`
	Status *session.Status `json:"session,omitempty"`
}

func (a *App) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	st, active := a.sessions.Status()
	resp := sessionResponse{Active: active}
	if st.ID != "" {
		resp.Status = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if _, err := a.sessions.Start(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrSessionActive) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	st, active := a.sessions.Status()
	writeJSON(w, http.StatusCreated, sessionResponse{Active: active, Status: &st})
}

func (a *App) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	st, err := a.sessions.Stop(r.Context())
	if errors.Is(err, ErrNoSession) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		slog.Warn("session stopped dirty", "session_id", st.ID, "err", err)
	}
	writeJSON(w, http.StatusOK, sessionResponse{Status: &st})
}

func (a *App) handleSerialReset(w http.ResponseWriter, _ *http.Request) {
	err := a.sessions.ResetSerial()
	switch {
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrNoSerial):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"degraded": a.sessions.Degraded()})
	}
}

type scheduleResponse struct {
	Shows []schedule.Show `json:"shows"`
	OnAir string          `json:"on_air,omitempty"`
}

func (a *App) handleSchedule(w http.ResponseWriter, _ *http.Request) {
	resp := scheduleResponse{Shows: a.shows.Shows()}
	if resp.Shows == nil {
		resp.Shows = []schedule.Show{}
	}
	resp.OnAir, _ = a.shows.OnAir()
	writeJSON(w, http.StatusOK, resp)
}

type captionsResponse struct {
	Finals  []sink.Entry `json:"finals"`
	Partial *sink.Entry  `json:"partial,omitempty"`
}

func (a *App) handleCaptions(w http.ResponseWriter, _ *http.Request) {
	resp := captionsResponse{Finals: a.display.Entries()}
	if p, ok := a.display.Partial(); ok {
		resp.Partial = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

type previewRequest struct {
	Text        string `json:"text"`
	Mode        string `json:"mode"`
	Replacement string `json:"replacement"`
	Mask        string `json:"mask"`
}

type previewResponse struct {
	Text string `json:"text"`
	Mode string `json:"mode"`
}

// handleRedactPreview renders text under a candidate redaction policy
// without changing the running one. Empty policy fields fall back to the
// current settings.
func (a *App) handleRedactPreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	a.settingsMu.RLock()
	st, words := a.settings, a.words
	a.settingsMu.RUnlock()
	mode, repl, mask := st.BleepMode, st.BleepCustomText, st.BleepMaskChar
	if req.Mode != "" {
		mode = req.Mode
	}
	if req.Replacement != "" {
		repl = req.Replacement
	}
	if req.Mask != "" {
		mask = req.Mask
	}
	cfg, err := redact.ParseConfig(mode, repl, mask)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{
		Text: redact.Preview(req.Text, words, cfg),
		Mode: string(cfg.Mode),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("app: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
