package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	recordPrefix = "profile/rec/"
	blobPrefix   = "profile/emb/"
)

var _ Store = (*BadgerStore)(nil)

// BadgerOptions configures a [BadgerStore].
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory runs BadgerDB without disk persistence (tests).
	InMemory bool

	// Now overrides the time source. Defaults to time.Now.
	Now func() time.Time
}

// BadgerStore persists profiles in an embedded BadgerDB. A profile's record
// and its embedding blobs are written in a single transaction, which is the
// commit point.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time

	cache
	records map[string]record // guarded by cache.mu
}

// OpenBadgerStore opens the database and loads every profile.
func OpenBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("profile: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}

	s := &BadgerStore{db: db, now: opts.Now}
	if s.now == nil {
		s.now = time.Now
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	return s, nil
}

func (s *BadgerStore) loadAll() error {
	profiles := make(map[string]Profile)
	records := make(map[string]record)
	dims := 0
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(recordPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec record
			if err := msgpack.Unmarshal(raw, &rec); err != nil {
				slog.Warn("profile: skipping undecodable record", "key", string(it.Item().Key()), "err", err)
				continue
			}
			var embs [][]float32
			for _, ref := range rec.Embeddings {
				v, err := getBlob(txn, ref)
				if err != nil {
					slog.Warn("profile: skipping unreadable embedding", "profile", rec.Name, "blob", ref, "err", err)
					continue
				}
				if dims == 0 {
					dims = len(v)
				}
				if len(v) != dims {
					continue
				}
				embs = append(embs, v)
			}
			if len(embs) == 0 {
				continue
			}
			records[rec.Name] = rec
			profiles[rec.Name] = Profile{
				Name:       rec.Name,
				Embeddings: embs,
				CreatedAt:  rec.CreatedAt,
				UpdatedAt:  rec.UpdatedAt,
				Sources:    rec.Sources,
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.records = records
	s.init(profiles)
	return nil
}

// Create implements [Store].
func (s *BadgerStore) Create(_ context.Context, name string, embeddings [][]float32, sources []string) (Profile, error) {
	name, err := checkName(name)
	if err != nil {
		return Profile{}, err
	}
	var created Profile
	err = s.update(func(next map[string]Profile, dims int) error {
		if _, ok := next[name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		if _, err := checkEmbeddings(embeddings, dims); err != nil {
			return err
		}
		now := s.now().UTC()
		rec := record{Name: name, CreatedAt: now, Sources: slices.Clone(sources)}
		err := s.db.Update(func(txn *badger.Txn) error {
			refs, err := putBlobs(txn, embeddings)
			if err != nil {
				return err
			}
			rec.Embeddings = refs
			return putRecord(txn, rec)
		})
		if err != nil {
			return &PersistenceError{Op: "create", Err: err}
		}
		s.setRecord(rec, "")

		created = Profile{Name: name, Embeddings: cloneEmbeddings(embeddings), CreatedAt: now, Sources: rec.Sources}
		next[name] = created
		return nil
	})
	return created, err
}

// AddSamples implements [Store].
func (s *BadgerStore) AddSamples(_ context.Context, name string, embeddings [][]float32, sources []string, replace bool) (Profile, error) {
	var updated Profile
	err := s.update(func(next map[string]Profile, dims int) error {
		p, ok := next[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		if replace && len(next) == 1 {
			dims = 0
		}
		if _, err := checkEmbeddings(embeddings, dims); err != nil {
			return err
		}
		old := s.records[name]
		rec := old
		rec.UpdatedAt = s.now().UTC()
		err := s.db.Update(func(txn *badger.Txn) error {
			refs, err := putBlobs(txn, embeddings)
			if err != nil {
				return err
			}
			if replace {
				for _, ref := range old.Embeddings {
					if err := txn.Delete([]byte(blobPrefix + ref)); err != nil {
						return err
					}
				}
				rec.Embeddings = refs
				rec.Sources = slices.Clone(sources)
			} else {
				rec.Embeddings = append(slices.Clone(old.Embeddings), refs...)
				rec.Sources = append(slices.Clone(old.Sources), sources...)
			}
			return putRecord(txn, rec)
		})
		if err != nil {
			return &PersistenceError{Op: "add samples", Err: err}
		}
		s.setRecord(rec, "")

		if replace {
			p.Embeddings = cloneEmbeddings(embeddings)
		} else {
			p.Embeddings = append(slices.Clone(p.Embeddings), cloneEmbeddings(embeddings)...)
		}
		p.Sources = rec.Sources
		p.UpdatedAt = rec.UpdatedAt
		next[name] = p
		updated = p
		return nil
	})
	return updated, err
}

// Rename implements [Store].
func (s *BadgerStore) Rename(_ context.Context, oldName, newName string) error {
	newName, err := checkName(newName)
	if err != nil {
		return err
	}
	return s.update(func(next map[string]Profile, _ int) error {
		p, ok := next[oldName]
		if !ok {
			return fmt.Errorf("%w: %q", ErrNotFound, oldName)
		}
		if oldName == newName {
			return nil
		}
		if _, ok := next[newName]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateName, newName)
		}
		rec := s.records[oldName]
		rec.Name = newName
		rec.UpdatedAt = s.now().UTC()
		err := s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete([]byte(recordPrefix + oldName)); err != nil {
				return err
			}
			return putRecord(txn, rec)
		})
		if err != nil {
			return &PersistenceError{Op: "rename", Err: err}
		}
		s.setRecord(rec, oldName)

		delete(next, oldName)
		p.Name = newName
		p.UpdatedAt = rec.UpdatedAt
		next[newName] = p
		return nil
	})
}

// Delete implements [Store].
func (s *BadgerStore) Delete(_ context.Context, name string) error {
	return s.update(func(next map[string]Profile, _ int) error {
		if _, ok := next[name]; !ok {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		rec := s.records[name]
		err := s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete([]byte(recordPrefix + name)); err != nil {
				return err
			}
			for _, ref := range rec.Embeddings {
				if err := txn.Delete([]byte(blobPrefix + ref)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return &PersistenceError{Op: "delete", Err: err}
		}
		records := maps.Clone(s.records)
		delete(records, name)
		s.records = records
		delete(next, name)
		return nil
	})
}

// List implements [Store].
func (s *BadgerStore) List(context.Context) ([]Summary, error) {
	return s.load().list(), nil
}

// Load implements [Store].
func (s *BadgerStore) Load(_ context.Context, name string) (Profile, error) {
	return s.load().get(name)
}

// Snapshot implements [Store].
func (s *BadgerStore) Snapshot(context.Context) ([]Profile, error) {
	return s.load().all(), nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("profile: close badger: %w", err)
	}
	return nil
}

// setRecord stores rec, dropping renamedFrom when set. cache.mu must be held.
func (s *BadgerStore) setRecord(rec record, renamedFrom string) {
	records := maps.Clone(s.records)
	if records == nil {
		records = make(map[string]record)
	}
	if renamedFrom != "" {
		delete(records, renamedFrom)
	}
	records[rec.Name] = rec
	s.records = records
}

func putBlobs(txn *badger.Txn, embeddings [][]float32) ([]string, error) {
	refs := make([]string, 0, len(embeddings))
	for _, e := range embeddings {
		data, err := encodeEmbedding(e)
		if err != nil {
			return nil, err
		}
		ref := uuid.NewString()
		if err := txn.Set([]byte(blobPrefix+ref), data); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func putRecord(txn *badger.Txn, rec record) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return txn.Set([]byte(recordPrefix+rec.Name), data)
}

func getBlob(txn *badger.Txn, ref string) ([]float32, error) {
	item, err := txn.Get([]byte(blobPrefix + ref))
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decodeEmbedding(data)
}

// badgerLogger routes badger warnings and errors to slog and drops the rest.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...any)   { slog.Error(fmt.Sprintf("badger: "+f, v...)) }
func (badgerLogger) Warningf(f string, v ...any) { slog.Warn(fmt.Sprintf("badger: "+f, v...)) }
func (badgerLogger) Infof(string, ...any)        {}
func (badgerLogger) Debugf(string, ...any)       {}
