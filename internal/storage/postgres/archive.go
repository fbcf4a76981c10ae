package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/captionist/internal/sink"
)

// TranscriptArchive is a [sink.Sink] that appends final captions to the
// transcript_entries table.
//
// Obtain one via [Store.Archive] rather than constructing directly.
type TranscriptArchive struct {
	pool *pgxpool.Pool
}

// Name implements [sink.Sink].
func (a *TranscriptArchive) Name() string { return "archive" }

// Write implements [sink.Sink]. Partial entries are ignored.
func (a *TranscriptArchive) Write(ctx context.Context, e sink.Entry) error {
	if !e.Final {
		return nil
	}
	const q = `
		INSERT INTO transcript_entries (session_id, speaker, text, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := a.pool.Exec(ctx, q, e.SessionID, e.Speaker, e.Text, e.Start, e.End); err != nil {
		return fmt.Errorf("transcript archive: write entry: %w", err)
	}
	return nil
}

// Session returns the archived captions of sessionID in chronological order.
func (a *TranscriptArchive) Session(ctx context.Context, sessionID string) ([]sink.Entry, error) {
	const q = `
		SELECT session_id, speaker, text, started_at, ended_at
		FROM   transcript_entries
		WHERE  session_id = $1
		ORDER  BY started_at, id`
	rows, err := a.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript archive: session: %w", err)
	}
	return collectEntries(rows)
}

// Search returns archived captions whose text contains all words of query,
// newest first, at most limit of them.
func (a *TranscriptArchive) Search(ctx context.Context, query string, limit int) ([]sink.Entry, error) {
	const q = `
		SELECT session_id, speaker, text, started_at, ended_at
		FROM   transcript_entries
		WHERE  to_tsvector('simple', text) @@ plainto_tsquery('simple', $1)
		ORDER  BY started_at DESC, id DESC
		LIMIT  $2`
	rows, err := a.pool.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("transcript archive: search: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]sink.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sink.Entry, error) {
		e := sink.Entry{Final: true}
		err := row.Scan(&e.SessionID, &e.Speaker, &e.Text, &e.Start, &e.End)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("transcript archive: scan rows: %w", err)
	}
	if entries == nil {
		entries = []sink.Entry{}
	}
	return entries, nil
}

// Close implements [sink.Sink]. The pool is owned by [Store].
func (a *TranscriptArchive) Close() error { return nil }
