// Package postgres provides PostgreSQL-backed persistence for captionist:
// a voice-profile store implementing [profile.Store] and a transcript archive
// implementing [sink.Sink].
//
// Both share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, fbank.Dims)
//	if err != nil { … }
//
//	profiles := store.Profiles() // profile.Store
//	archive := store.Archive()   // sink.Sink
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlProfiles returns the profile DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlProfiles(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS voice_profiles (
    name        TEXT         PRIMARY KEY,
    sources     TEXT[]       NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS voice_samples (
    profile_name  TEXT        NOT NULL REFERENCES voice_profiles (name)
                              ON DELETE CASCADE ON UPDATE CASCADE,
    ordinal       INT         NOT NULL,
    embedding     vector(%d)  NOT NULL,
    PRIMARY KEY (profile_name, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_voice_samples_embedding
    ON voice_samples USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    speaker     TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session
    ON transcript_entries (session_id, started_at);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_fts
    ON transcript_entries USING GIN (to_tsvector('simple', text));
`

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent and safe to call on every application start.
//
// embeddingDimensions must match the configured embedding extractor.
// Changing it after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: invalid embedding dimensions %d", embeddingDimensions)
	}
	for _, stmt := range []string{ddlProfiles(embeddingDimensions), ddlTranscripts} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
