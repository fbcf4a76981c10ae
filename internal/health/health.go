// Package health serves the liveness and readiness endpoints.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz
// runs every registered [Checker] and answers 503 when any of them fails.
// Both reply with a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker checks one dependency. Check returns nil while it is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Report is the readiness response body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one checker.
type CheckResult struct {
	OK        bool    `json:"ok"`
	Error     string  `json:"error,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// Handler holds the readiness checkers. Checkers may be added while
// endpoints are served.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
}

// New returns a Handler with the given checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Add registers checkers for dependencies that come up after startup, such
// as the NATS publisher or the caption database.
func (h *Handler) Add(checkers ...Checker) {
	h.mu.Lock()
	h.checkers = append(h.checkers, checkers...)
	h.mu.Unlock()
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, Report{Status: "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		reply(w, h.Run(r.Context()))
	})
}

// Run evaluates all checkers concurrently, each under its own deadline.
func (h *Handler) Run(ctx context.Context) Report {
	h.mu.RLock()
	checkers := slices.Clone(h.checkers)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			results[i] = CheckResult{
				OK:        err == nil,
				LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
			}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	g.Wait()

	rep := Report{Status: "ok", Checks: make(map[string]CheckResult, len(checkers))}
	for i, c := range checkers {
		rep.Checks[c.Name] = results[i]
		if !results[i].OK {
			rep.Status = "fail"
		}
	}
	return rep
}

func reply(w http.ResponseWriter, rep Report) {
	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(rep)
}
