package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/captionist/internal/session"
	"github.com/MrWong99/captionist/internal/sink"
)

var (
	// ErrSessionActive is returned by [SessionManager.Start] while a session
	// is running.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned by [SessionManager.Stop] when nothing runs.
	ErrNoSession = errors.New("app: no active session")

	// ErrNoSerial is returned by [SessionManager.ResetSerial] when the
	// active session has no serial sink.
	ErrNoSerial = errors.New("app: serial output not enabled")
)

// SessionInfo holds metadata about the current or last session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// StartedAt is when the session was started.
	StartedAt time.Time `json:"started_at"`
}

// Plan is what one capture session needs: the pipeline config plus the
// per-session resources released when it ends.
type Plan struct {
	Config session.Config

	// Serial is the session's serial sink, nil when disabled.
	Serial *sink.Serial

	// Closers run in reverse order after the session has stopped.
	Closers []func() error
}

// PlanFunc builds the [Plan] for a new session with the given ID.
type PlanFunc func(ctx context.Context, id string) (Plan, error)

// SessionManager manages the lifecycle of capture sessions.
// Only one session can be active at a time (enforced by mutex).
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu      sync.Mutex
	active  *session.Session
	info    SessionInfo
	serial  *sink.Serial
	closers []func() error
	last    *session.Status

	plan       PlanFunc
	showErrors bool
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Plan builds each session. Required.
	Plan PlanFunc

	// ShowErrors keeps the engine failure cause in reported status.
	ShowErrors bool
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{plan: cfg.Plan, showErrors: cfg.ShowErrors}
}

// Start begins a new capture session. The session outlives ctx; it ends
// on [SessionManager.Stop], on end of input or on a device failure.
//
// Returns an error wrapping [ErrSessionActive] if a session is already
// active.
func (sm *SessionManager) Start(ctx context.Context) (SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active != nil {
		return SessionInfo{}, fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.info.SessionID)
	}

	id := uuid.NewString()
	ctx = context.WithoutCancel(ctx)
	plan, err := sm.plan(ctx, id)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("app: plan session: %w", err)
	}
	plan.Config.ID = id

	sess, err := session.Start(ctx, plan.Config)
	if err != nil {
		if cerr := closeAll(plan.Closers); cerr != nil {
			slog.Warn("app: release session resources", "err", cerr)
		}
		return SessionInfo{}, fmt.Errorf("app: start session: %w", err)
	}

	sm.active = sess
	sm.info = SessionInfo{SessionID: id, StartedAt: time.Now().UTC()}
	sm.serial = plan.Serial
	sm.closers = plan.Closers
	go sm.watch(sess)

	slog.Info("session started", "session_id", id)
	return sm.info, nil
}

// Stop ends the active session, flushing buffered audio and the engine's
// last final unless ctx ends first. It returns the session's final status.
func (sm *SessionManager) Stop(ctx context.Context) (session.Status, error) {
	sm.mu.Lock()
	sess := sm.active
	sm.mu.Unlock()
	if sess == nil {
		return session.Status{}, ErrNoSession
	}

	err := sess.Stop(ctx)
	sm.release(sess)
	return sm.visible(sess.Status()), err
}

// IsActive reports whether a session is running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active != nil
}

// Info returns metadata about the active session. The bool is false when
// no session is active.
func (sm *SessionManager) Info() (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return SessionInfo{}, false
	}
	return sm.info, true
}

// Status returns the active session's status, or the last session's
// when none is running. The bool reports whether a session is active.
func (sm *SessionManager) Status() (session.Status, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	switch {
	case sm.active != nil:
		return sm.visible(sm.active.Status()), true
	case sm.last != nil:
		return *sm.last, false
	}
	return session.Status{}, false
}

// Demo reports whether the active session runs on the demo engine and why.
func (sm *SessionManager) Demo() (bool, error) {
	sm.mu.Lock()
	sess := sm.active
	sm.mu.Unlock()
	if sess == nil {
		return false, nil
	}
	return sess.Demo()
}

// Degraded reports whether the active session's serial sink has stopped
// writing.
func (sm *SessionManager) Degraded() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.serial != nil && sm.serial.Degraded()
}

// ResetSerial resumes a degraded serial sink of the active session. A
// degraded sink stays silent until this is called, unless the session was
// planned with automatic resets.
func (sm *SessionManager) ResetSerial() error {
	sm.mu.Lock()
	active, serial := sm.active, sm.serial
	sm.mu.Unlock()
	if active == nil {
		return ErrNoSession
	}
	if serial == nil {
		return ErrNoSerial
	}
	if err := serial.Reset(); err != nil {
		return fmt.Errorf("app: reset serial: %w", err)
	}
	slog.Info("serial output reset", "session_id", active.ID())
	return nil
}

// Apply calls fn with the active session, if any. fn runs under the
// manager lock and must not call back into the manager.
func (sm *SessionManager) Apply(fn func(*session.Session)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active != nil {
		fn(sm.active)
	}
}

// watch releases the session once it ends on its own.
func (sm *SessionManager) watch(sess *session.Session) {
	<-sess.Done()
	sm.release(sess)
}

// release forgets sess and runs its closers. Only the first call for a
// session does anything.
func (sm *SessionManager) release(sess *session.Session) {
	sm.mu.Lock()
	if sm.active != sess {
		sm.mu.Unlock()
		return
	}
	st := sm.visible(sess.Status())
	sm.last = &st
	closers := sm.closers
	sm.active, sm.serial, sm.closers = nil, nil, nil
	sm.mu.Unlock()

	if err := closeAll(closers); err != nil {
		slog.Warn("app: release session resources", "session_id", sess.ID(), "err", err)
	}
	slog.Info("session ended", "session_id", sess.ID(), "state", st.State)
}

// visible hides engine failure causes unless errors are shown.
func (sm *SessionManager) visible(st session.Status) session.Status {
	if !sm.showErrors {
		st.EngineCause = ""
	}
	return st
}
