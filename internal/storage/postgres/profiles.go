package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/captionist/internal/profile"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// ProfileStore is a [profile.Store] backed by the voice_profiles and
// voice_samples tables. Every read queries the database, so each call
// returns a fresh copy that callers may keep.
//
// Obtain one via [Store.Profiles] rather than constructing directly.
type ProfileStore struct {
	pool *pgxpool.Pool
	dims int
}

// Dimensions returns the embedding length fixed by the schema.
func (s *ProfileStore) Dimensions() int { return s.dims }

func persistErr(op string, err error) error {
	return &profile.PersistenceError{Op: op, Err: err}
}

func (s *ProfileStore) checkEmbeddings(embeddings [][]float32) error {
	if len(embeddings) == 0 {
		return profile.ErrNoEmbeddings
	}
	for _, e := range embeddings {
		if len(e) != s.dims {
			return &profile.DimensionMismatchError{Want: s.dims, Got: len(e)}
		}
	}
	return nil
}

func checkName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", profile.ErrEmptyName
	}
	return name, nil
}

// now returns the current time at the database's microsecond precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *ProfileStore) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return persistErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return persistErr(op, err)
	}
	return nil
}

func insertSamples(ctx context.Context, tx pgx.Tx, name string, first int, embeddings [][]float32) error {
	const q = `INSERT INTO voice_samples (profile_name, ordinal, embedding) VALUES ($1, $2, $3)`
	batch := &pgx.Batch{}
	for i, e := range embeddings {
		batch.Queue(q, name, first+i, pgvector.NewVector(e))
	}
	return tx.SendBatch(ctx, batch).Close()
}

// Create implements [profile.Store].
func (s *ProfileStore) Create(ctx context.Context, name string, embeddings [][]float32, sources []string) (profile.Profile, error) {
	name, err := checkName(name)
	if err != nil {
		return profile.Profile{}, err
	}
	if err := s.checkEmbeddings(embeddings); err != nil {
		return profile.Profile{}, err
	}
	ts := now()
	if sources == nil {
		sources = []string{}
	}

	err = s.inTx(ctx, "create", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO voice_profiles (name, sources, created_at, updated_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (name) DO NOTHING`, name, sources, ts)
		if err != nil {
			return persistErr("create", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %q", profile.ErrDuplicateName, name)
		}
		if err := insertSamples(ctx, tx, name, 0, embeddings); err != nil {
			return persistErr("create", err)
		}
		return nil
	})
	if err != nil {
		return profile.Profile{}, err
	}
	return profile.Profile{
		Name:       name,
		Embeddings: cloneEmbeddings(embeddings),
		CreatedAt:  ts,
		UpdatedAt:  ts,
		Sources:    append([]string(nil), sources...),
	}, nil
}

// AddSamples implements [profile.Store].
func (s *ProfileStore) AddSamples(ctx context.Context, name string, embeddings [][]float32, sources []string, replace bool) (profile.Profile, error) {
	if err := s.checkEmbeddings(embeddings); err != nil {
		return profile.Profile{}, err
	}
	var out profile.Profile
	err := s.inTx(ctx, "add samples", func(tx pgx.Tx) error {
		var existing []string
		err := tx.QueryRow(ctx,
			`SELECT sources FROM voice_profiles WHERE name = $1 FOR UPDATE`, name,
		).Scan(&existing)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %q", profile.ErrNotFound, name)
		}
		if err != nil {
			return persistErr("add samples", err)
		}

		first := 0
		if replace {
			existing = nil
			if _, err := tx.Exec(ctx, `DELETE FROM voice_samples WHERE profile_name = $1`, name); err != nil {
				return persistErr("add samples", err)
			}
		} else if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(ordinal) + 1, 0) FROM voice_samples WHERE profile_name = $1`, name,
		).Scan(&first); err != nil {
			return persistErr("add samples", err)
		}

		if err := insertSamples(ctx, tx, name, first, embeddings); err != nil {
			return persistErr("add samples", err)
		}
		merged := append(existing, sources...)
		if merged == nil {
			merged = []string{}
		}
		if _, err := tx.Exec(ctx,
			`UPDATE voice_profiles SET sources = $2, updated_at = $3 WHERE name = $1`,
			name, merged, now(),
		); err != nil {
			return persistErr("add samples", err)
		}
		out, err = loadProfile(ctx, tx, name)
		return err
	})
	if err != nil {
		return profile.Profile{}, err
	}
	return out, nil
}

// Rename implements [profile.Store]. Samples follow via ON UPDATE CASCADE.
func (s *ProfileStore) Rename(ctx context.Context, oldName, newName string) error {
	newName, err := checkName(newName)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_profiles SET name = $2, updated_at = $3 WHERE name = $1`,
		oldName, newName, now())
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation:
		return fmt.Errorf("%w: %q", profile.ErrDuplicateName, newName)
	case err != nil:
		return persistErr("rename", err)
	case tag.RowsAffected() == 0:
		return fmt.Errorf("%w: %q", profile.ErrNotFound, oldName)
	}
	return nil
}

// Delete implements [profile.Store].
func (s *ProfileStore) Delete(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM voice_profiles WHERE name = $1`, name)
	if err != nil {
		return persistErr("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", profile.ErrNotFound, name)
	}
	return nil
}

// List implements [profile.Store].
func (s *ProfileStore) List(ctx context.Context) ([]profile.Summary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.name, p.sources, p.created_at, p.updated_at, COUNT(v.ordinal)
		FROM   voice_profiles p
		LEFT   JOIN voice_samples v ON v.profile_name = p.name
		GROUP  BY p.name
		ORDER  BY p.name`)
	if err != nil {
		return nil, persistErr("list", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (profile.Summary, error) {
		var sum profile.Summary
		if err := row.Scan(&sum.Name, &sum.Sources, &sum.CreatedAt, &sum.UpdatedAt, &sum.Samples); err != nil {
			return profile.Summary{}, err
		}
		if sum.Samples > 0 {
			sum.Dimensions = s.dims
		}
		return sum, nil
	})
	if err != nil {
		return nil, persistErr("list", err)
	}
	if out == nil {
		out = []profile.Summary{}
	}
	return out, nil
}

// Load implements [profile.Store].
func (s *ProfileStore) Load(ctx context.Context, name string) (profile.Profile, error) {
	return loadProfile(ctx, s.pool, name)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadProfile(ctx context.Context, q querier, name string) (profile.Profile, error) {
	p := profile.Profile{Name: name}
	err := q.QueryRow(ctx,
		`SELECT sources, created_at, updated_at FROM voice_profiles WHERE name = $1`, name,
	).Scan(&p.Sources, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return profile.Profile{}, fmt.Errorf("%w: %q", profile.ErrNotFound, name)
	}
	if err != nil {
		return profile.Profile{}, persistErr("load", err)
	}

	rows, err := q.Query(ctx,
		`SELECT embedding FROM voice_samples WHERE profile_name = $1 ORDER BY ordinal`, name)
	if err != nil {
		return profile.Profile{}, persistErr("load", err)
	}
	p.Embeddings, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) ([]float32, error) {
		var vec pgvector.Vector
		if err := row.Scan(&vec); err != nil {
			return nil, err
		}
		return vec.Slice(), nil
	})
	if err != nil {
		return profile.Profile{}, persistErr("load", err)
	}
	return p, nil
}

// Snapshot implements [profile.Store] with two queries read in one
// repeatable-read transaction.
func (s *ProfileStore) Snapshot(ctx context.Context) ([]profile.Profile, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, persistErr("snapshot", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT name, sources, created_at, updated_at FROM voice_profiles ORDER BY name`)
	if err != nil {
		return nil, persistErr("snapshot", err)
	}
	profiles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (profile.Profile, error) {
		var p profile.Profile
		err := row.Scan(&p.Name, &p.Sources, &p.CreatedAt, &p.UpdatedAt)
		return p, err
	})
	if err != nil {
		return nil, persistErr("snapshot", err)
	}
	index := make(map[string]int, len(profiles))
	for i, p := range profiles {
		index[p.Name] = i
	}

	rows, err = tx.Query(ctx,
		`SELECT profile_name, embedding FROM voice_samples ORDER BY profile_name, ordinal`)
	if err != nil {
		return nil, persistErr("snapshot", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name string
			vec  pgvector.Vector
		)
		if err := rows.Scan(&name, &vec); err != nil {
			return nil, persistErr("snapshot", err)
		}
		if i, ok := index[name]; ok {
			profiles[i].Embeddings = append(profiles[i].Embeddings, vec.Slice())
		}
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("snapshot", err)
	}
	if profiles == nil {
		profiles = []profile.Profile{}
	}
	return profiles, nil
}

// Nearest implements [profile.Ranker]. Profiles are ranked by the smallest
// cosine distance (pgvector <=>) between query and any of their samples.
func (s *ProfileStore) Nearest(ctx context.Context, query []float32, k int) ([]string, error) {
	if len(query) != s.dims {
		return nil, &profile.DimensionMismatchError{Want: s.dims, Got: len(query)}
	}
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT profile_name
		FROM   voice_samples
		GROUP  BY profile_name
		ORDER  BY MIN(embedding <=> $1), profile_name
		LIMIT  $2`, pgvector.NewVector(query), k)
	if err != nil {
		return nil, persistErr("nearest", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, persistErr("nearest", err)
	}
	return names, nil
}

func cloneEmbeddings(in [][]float32) [][]float32 {
	out := make([][]float32, len(in))
	for i, e := range in {
		out[i] = append([]float32(nil), e...)
	}
	return out
}
