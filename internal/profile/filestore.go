package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const (
	indexFile     = "index.json"
	embeddingsDir = "embeddings"
	indexVersion  = 1
)

var _ Store = (*FileStore)(nil)

// indexDoc is the persisted catalog.
type indexDoc struct {
	Version  int               `json:"version"`
	Profiles map[string]record `json:"profiles"`
}

// FileOption configures a [FileStore].
type FileOption func(*FileStore)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) FileOption {
	return func(s *FileStore) { s.now = now }
}

// FileStore persists profiles in a directory: one msgpack blob per embedding
// under embeddings/<slug>/ and a JSON catalog, index.json, that references
// them. New blobs and their directory are fsynced before the catalog is
// replaced atomically (temp file + rename), so a crash leaves either the old
// or the new catalog and at worst some orphaned blobs, which are ignored.
type FileStore struct {
	dir  string
	now  func() time.Time
	sync func(*os.File) error

	cache
	records map[string]record // guarded by cache.mu
}

// OpenFileStore opens (creating if needed) the store rooted at dir.
func OpenFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	s := &FileStore{dir: dir, now: time.Now, sync: (*os.File).Sync}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(filepath.Join(dir, embeddingsDir), 0o755); err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}

	doc, err := s.readIndex()
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}

	profiles := make(map[string]Profile, len(doc.Profiles))
	records := make(map[string]record, len(doc.Profiles))
	dims := 0
	names := slices.Sorted(maps.Keys(doc.Profiles))
	for _, name := range names {
		rec := doc.Profiles[name]
		rec.Name = name
		var (
			embs [][]float32
			kept []string
		)
		for _, ref := range rec.Embeddings {
			v, err := s.readBlob(ref)
			if err != nil {
				slog.Warn("profile: skipping unreadable embedding", "profile", name, "blob", ref, "err", err)
				continue
			}
			if dims == 0 {
				dims = len(v)
			}
			if len(v) != dims {
				slog.Warn("profile: skipping embedding with foreign dimensionality", "profile", name, "blob", ref, "dims", len(v), "want", dims)
				continue
			}
			embs = append(embs, v)
			kept = append(kept, ref)
		}
		if len(embs) == 0 {
			slog.Warn("profile: skipping profile without usable embeddings", "profile", name)
			continue
		}
		rec.Embeddings = kept
		records[name] = rec
		profiles[name] = Profile{
			Name:       name,
			Embeddings: embs,
			CreatedAt:  rec.CreatedAt,
			UpdatedAt:  rec.UpdatedAt,
			Sources:    rec.Sources,
		}
	}
	s.records = records
	s.init(profiles)
	return s, nil
}

// Dir returns the store root.
func (s *FileStore) Dir() string { return s.dir }

// Create implements [Store].
func (s *FileStore) Create(_ context.Context, name string, embeddings [][]float32, sources []string) (Profile, error) {
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

		refs, err := s.writeBlobs(name, embeddings)
		if err != nil {
			return &PersistenceError{Op: "create", Err: err}
		}
		now := s.now().UTC()
		rec := record{Name: name, CreatedAt: now, Embeddings: refs, Sources: slices.Clone(sources)}
		records := maps.Clone(s.records)
		records[name] = rec
		if err := s.writeIndex(records); err != nil {
			s.removeBlobs(refs)
			return &PersistenceError{Op: "create", Err: err}
		}
		s.records = records

		created = Profile{
			Name:       name,
			Embeddings: cloneEmbeddings(embeddings),
			CreatedAt:  now,
			Sources:    rec.Sources,
		}
		next[name] = created
		return nil
	})
	return created, err
}

// AddSamples implements [Store].
func (s *FileStore) AddSamples(_ context.Context, name string, embeddings [][]float32, sources []string, replace bool) (Profile, error) {
	var updated Profile
	err := s.update(func(next map[string]Profile, dims int) error {
		p, ok := next[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		if replace && len(next) == 1 {
			// Replacing the only profile may change the store dimensionality.
			dims = 0
		}
		if _, err := checkEmbeddings(embeddings, dims); err != nil {
			return err
		}

		refs, err := s.writeBlobs(name, embeddings)
		if err != nil {
			return &PersistenceError{Op: "add samples", Err: err}
		}
		old := s.records[name]
		rec := old
		rec.UpdatedAt = s.now().UTC()
		if replace {
			rec.Embeddings = refs
			rec.Sources = slices.Clone(sources)
			p.Embeddings = cloneEmbeddings(embeddings)
			p.Sources = rec.Sources
		} else {
			rec.Embeddings = append(slices.Clone(old.Embeddings), refs...)
			rec.Sources = append(slices.Clone(old.Sources), sources...)
			p.Embeddings = append(slices.Clone(p.Embeddings), cloneEmbeddings(embeddings)...)
			p.Sources = rec.Sources
		}
		p.UpdatedAt = rec.UpdatedAt

		records := maps.Clone(s.records)
		records[name] = rec
		if err := s.writeIndex(records); err != nil {
			s.removeBlobs(refs)
			return &PersistenceError{Op: "add samples", Err: err}
		}
		s.records = records
		if replace {
			s.removeBlobs(old.Embeddings)
		}
		next[name] = p
		updated = p
		return nil
	})
	return updated, err
}

// Rename implements [Store]. Blobs keep their original location; only the
// catalog changes.
func (s *FileStore) Rename(_ context.Context, oldName, newName string) error {
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
		records := maps.Clone(s.records)
		rec := records[oldName]
		delete(records, oldName)
		rec.Name = newName
		rec.UpdatedAt = s.now().UTC()
		records[newName] = rec
		if err := s.writeIndex(records); err != nil {
			return &PersistenceError{Op: "rename", Err: err}
		}
		s.records = records

		delete(next, oldName)
		p.Name = newName
		p.UpdatedAt = rec.UpdatedAt
		next[newName] = p
		return nil
	})
}

// Delete implements [Store]. The catalog is committed first; blob removal is
// best effort since orphans are harmless.
func (s *FileStore) Delete(_ context.Context, name string) error {
	return s.update(func(next map[string]Profile, _ int) error {
		if _, ok := next[name]; !ok {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		records := maps.Clone(s.records)
		rec := records[name]
		delete(records, name)
		if err := s.writeIndex(records); err != nil {
			return &PersistenceError{Op: "delete", Err: err}
		}
		s.records = records
		s.removeBlobs(rec.Embeddings)
		delete(next, name)
		return nil
	})
}

// List implements [Store].
func (s *FileStore) List(context.Context) ([]Summary, error) {
	return s.load().list(), nil
}

// Load implements [Store].
func (s *FileStore) Load(_ context.Context, name string) (Profile, error) {
	return s.load().get(name)
}

// Snapshot implements [Store].
func (s *FileStore) Snapshot(context.Context) ([]Profile, error) {
	return s.load().all(), nil
}

// Close implements io.Closer; the file store holds no open handles.
func (s *FileStore) Close() error { return nil }

// ── on-disk helpers ─────────────────────────────────────────────────────────

func (s *FileStore) readIndex() (indexDoc, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		return indexDoc{Version: indexVersion, Profiles: map[string]record{}}, nil
	}
	if err != nil {
		return indexDoc{}, err
	}
	var doc indexDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return indexDoc{}, fmt.Errorf("parse %s: %w", indexFile, err)
	}
	if doc.Profiles == nil {
		doc.Profiles = map[string]record{}
	}
	return doc, nil
}

func (s *FileStore) writeIndex(records map[string]record) error {
	data, err := json.MarshalIndent(indexDoc{Version: indexVersion, Profiles: records}, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".index-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := s.sync(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, indexFile)); err != nil {
		return err
	}
	// The new catalog is in place; a failed directory sync only weakens
	// durability of the rename and must not undo it.
	if err := s.syncDir(s.dir); err != nil {
		slog.Warn("profile: sync store directory", "dir", s.dir, "err", err)
	}
	return nil
}

// writeBlob creates path with data and flushes it to stable storage.
func (s *FileStore) writeBlob(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := s.sync(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir makes entries created in dir durable. Windows cannot sync a
// directory handle and does not need to.
func (s *FileStore) syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return s.sync(d)
}

// writeBlobs writes each embedding and returns the refs, relative to the
// embeddings directory. On failure nothing written by this call remains.
func (s *FileStore) writeBlobs(name string, embeddings [][]float32) ([]string, error) {
	sub := slug(name)
	if err := os.MkdirAll(filepath.Join(s.dir, embeddingsDir, sub), 0o755); err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(embeddings))
	for _, e := range embeddings {
		data, err := encodeEmbedding(e)
		if err != nil {
			s.removeBlobs(refs)
			return nil, err
		}
		ref := sub + "/" + uuid.NewString() + ".msgpack"
		refs = append(refs, ref)
		if err := s.writeBlob(s.blobPath(ref), data); err != nil {
			s.removeBlobs(refs)
			return nil, err
		}
	}
	if err := s.syncDir(filepath.Join(s.dir, embeddingsDir, sub)); err != nil {
		s.removeBlobs(refs)
		return nil, err
	}
	return refs, nil
}

func (s *FileStore) readBlob(ref string) ([]float32, error) {
	data, err := os.ReadFile(s.blobPath(ref))
	if err != nil {
		return nil, err
	}
	return decodeEmbedding(data)
}

func (s *FileStore) removeBlobs(refs []string) {
	for _, ref := range refs {
		if err := os.Remove(s.blobPath(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Debug("profile: remove blob", "blob", ref, "err", err)
		}
	}
}

func (s *FileStore) blobPath(ref string) string {
	return filepath.Join(s.dir, embeddingsDir, filepath.FromSlash(ref))
}

// slug derives a directory-safe name for a profile.
func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '-' || r == '_' || unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "profile"
	}
	return b.String()
}
