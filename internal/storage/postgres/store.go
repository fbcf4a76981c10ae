package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/captionist/internal/profile"
	"github.com/MrWong99/captionist/internal/sink"
)

var (
	_ profile.Store  = (*ProfileStore)(nil)
	_ profile.Ranker = (*ProfileStore)(nil)
	_ sink.Sink      = (*TranscriptArchive)(nil)
)

// Store is the caption database: voice profiles and the transcript archive
// over one pgx pool.
type Store struct {
	pool     *pgxpool.Pool
	profiles *ProfileStore
	archive  *TranscriptArchive
}

// NewStore connects to dsn and migrates the schema. dims is the length of
// the voice prints the configured extractor produces; the profile table's
// vector column is created with it.
func NewStore(ctx context.Context, dsn string, dims int) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	// Every pooled connection needs the vector type for voice prints.
	pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	ready := func() error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		return Migrate(ctx, pool, dims)
	}
	if err := ready(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	return &Store{
		pool:     pool,
		profiles: &ProfileStore{pool: pool, dims: dims},
		archive:  &TranscriptArchive{pool: pool},
	}, nil
}

func (s *Store) Profiles() *ProfileStore { return s.profiles }

func (s *Store) Archive() *TranscriptArchive { return s.archive }

// Ping backs the readiness check.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() { s.pool.Close() }
