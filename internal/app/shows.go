package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// showTarget lets the show schedule drive the session manager.
type showTarget struct{ a *App }

// StartShow starts capture for a scheduled show. Like autostart it needs a
// valid model path.
func (t showTarget) StartShow(ctx context.Context, show string) error {
	if err := t.a.Settings().ValidateModelPath(); err != nil {
		return fmt.Errorf("app: start show %q: %w", show, err)
	}
	info, err := t.a.sessions.Start(ctx)
	if err != nil {
		return fmt.Errorf("app: start show %q: %w", show, err)
	}
	slog.Info("scheduled show started", "show", show, "session_id", info.SessionID)
	return nil
}

// StopShow stops the capture a show started. A session already stopped by
// hand is not an error.
func (t showTarget) StopShow(ctx context.Context, show string) error {
	st, err := t.a.sessions.Stop(ctx)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("app: stop show %q: %w", show, err)
	}
	slog.Info("scheduled show stopped", "show", show, "session_id", st.ID, "finals", st.Finals)
	return nil
}
