package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/captionist/internal/config"
	"github.com/MrWong99/captionist/internal/profile"
	"github.com/MrWong99/captionist/internal/storage/postgres"
)

// Stores holds the persistent stores named by the config.
type Stores struct {
	// Profiles is the voice profile store of the configured backend.
	Profiles profile.Store

	// Postgres is the database holding the transcript archive and, for the
	// postgres backend, the profiles. Nil without sinks.postgres_dsn.
	Postgres *postgres.Store
}

// OpenStores opens the profile backend and the database. dims is the
// embedding length of the configured extractor; it sizes the postgres
// schema.
func OpenStores(ctx context.Context, cfg *config.Config, dims int) (*Stores, error) {
	s := &Stores{}
	if dsn := cfg.Sinks.PostgresDSN; dsn != "" {
		pg, err := postgres.NewStore(ctx, dsn, dims)
		if err != nil {
			return nil, fmt.Errorf("app: open database: %w", err)
		}
		s.Postgres = pg
	}

	switch cfg.Profiles.Backend {
	case config.ProfileBackendPostgres:
		if s.Postgres == nil {
			return nil, errors.New("app: postgres profile backend requires sinks.postgres_dsn")
		}
		s.Profiles = s.Postgres.Profiles()
	case config.ProfileBackendBadger:
		st, err := profile.OpenBadgerStore(profile.BadgerOptions{Dir: cfg.Profiles.Dir})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("app: open profiles: %w", err)
		}
		s.Profiles = st
	default:
		st, err := profile.OpenFileStore(cfg.Profiles.Dir)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("app: open profiles: %w", err)
		}
		s.Profiles = st
	}
	return s, nil
}

// Close releases the profile store and the database pool.
func (s *Stores) Close() error {
	var err error
	if c, ok := s.Profiles.(io.Closer); ok {
		err = c.Close()
	}
	if s.Postgres != nil {
		s.Postgres.Close()
	}
	return err
}
