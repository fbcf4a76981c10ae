// Package profile stores speaker voice-print profiles and matches query
// embeddings against them.
//
// A profile is a named set of fixed-dimension embedding vectors, one per
// enrolment clip. Every embedding in a store shares one dimensionality;
// vectors are stored exactly as given and never renormalised.
//
// Stores keep an in-memory copy-on-write snapshot of all profiles. Readers
// (List, Load, [Matcher.Match]) take the current snapshot without locking, so
// a match never waits on, or deadlocks with, a concurrent create. Writers
// persist first and publish the new snapshot only after the on-disk commit
// point succeeded.
package profile

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrDuplicateName is returned when creating or renaming onto an existing name.
	ErrDuplicateName = errors.New("profile: name already exists")

	// ErrNotFound is returned when a named profile does not exist.
	ErrNotFound = errors.New("profile: not found")

	// ErrNoEmbeddings is returned when a profile would end up without samples.
	ErrNoEmbeddings = errors.New("profile: at least one embedding is required")

	// ErrEmptyName is returned for a blank profile name.
	ErrEmptyName = errors.New("profile: empty name")
)

// DimensionMismatchError reports an embedding whose length differs from the
// store's (or the query's) dimensionality.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("profile: dimension mismatch: want %d, got %d", e.Want, e.Got)
}

// PersistenceError reports a storage failure. The operation was aborted and
// the store is left at its last committed state.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("profile: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Profile is a named speaker with one embedding per enrolment sample.
type Profile struct {
	Name       string
	Embeddings [][]float32
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Sources    []string
}

// Dimensions returns the embedding length, or 0 for an empty profile.
func (p Profile) Dimensions() int {
	if len(p.Embeddings) == 0 {
		return 0
	}
	return len(p.Embeddings[0])
}

// Summary is the listing view of a profile.
type Summary struct {
	Name       string
	Samples    int
	Dimensions int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Sources    []string
}

// Store is the persisted collection of profiles.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Create adds a new profile. It returns ErrDuplicateName if name exists,
	// ErrNoEmbeddings for an empty embedding list, and a
	// *DimensionMismatchError if the embeddings disagree with the store.
	Create(ctx context.Context, name string, embeddings [][]float32, sources []string) (Profile, error)

	// List returns summaries of all profiles sorted by name.
	List(ctx context.Context) ([]Summary, error)

	// Load returns the named profile or ErrNotFound.
	Load(ctx context.Context, name string) (Profile, error)

	// AddSamples appends embeddings (or replaces all of them when replace is
	// true) and records their sources.
	AddSamples(ctx context.Context, name string, embeddings [][]float32, sources []string, replace bool) (Profile, error)

	// Rename changes a profile's name. It returns ErrDuplicateName if newName
	// is taken.
	Rename(ctx context.Context, oldName, newName string) error

	// Delete removes the named profile or returns ErrNotFound.
	Delete(ctx context.Context, name string) error

	// Snapshot returns every profile as of the call. The result is never
	// mutated by the store and may be read without synchronisation.
	Snapshot(ctx context.Context) ([]Profile, error)
}

// snapshot is the immutable set of profiles published to readers.
type snapshot struct {
	byName map[string]Profile
	dims   int
}

// cache is the copy-on-write profile set shared by store implementations.
// Readers load the pointer; writers serialise on mu, build a modified copy,
// commit it to storage, then publish it.
type cache struct {
	mu  sync.Mutex
	cur atomic.Pointer[snapshot]
}

func (c *cache) init(profiles map[string]Profile) {
	s := &snapshot{byName: profiles}
	for _, p := range profiles {
		if d := p.Dimensions(); d > 0 {
			s.dims = d
			break
		}
	}
	c.cur.Store(s)
}

func (c *cache) load() *snapshot { return c.cur.Load() }

// update runs fn on a copy of the current set while holding the writer lock.
// fn must persist its change before returning; the copy is published only
// when fn returns nil.
func (c *cache) update(fn func(next map[string]Profile, dims int) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.cur.Load()
	next := maps.Clone(cur.byName)
	if next == nil {
		next = make(map[string]Profile)
	}
	if err := fn(next, cur.dims); err != nil {
		return err
	}
	c.init(next)
	return nil
}

func (s *snapshot) list() []Summary {
	out := make([]Summary, 0, len(s.byName))
	for _, p := range s.byName {
		out = append(out, Summary{
			Name:       p.Name,
			Samples:    len(p.Embeddings),
			Dimensions: p.Dimensions(),
			CreatedAt:  p.CreatedAt,
			UpdatedAt:  p.UpdatedAt,
			Sources:    slices.Clone(p.Sources),
		})
	}
	slices.SortFunc(out, func(a, b Summary) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (s *snapshot) get(name string) (Profile, error) {
	p, ok := s.byName[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return p, nil
}

func (s *snapshot) all() []Profile {
	out := make([]Profile, 0, len(s.byName))
	for _, p := range s.byName {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Profile) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// checkEmbeddings validates a batch against the store dimensionality (0 when
// the store is empty) and returns the batch's dimensionality.
func checkEmbeddings(embeddings [][]float32, storeDims int) (int, error) {
	if len(embeddings) == 0 {
		return 0, ErrNoEmbeddings
	}
	want := storeDims
	if want == 0 {
		want = len(embeddings[0])
	}
	if want == 0 {
		return 0, ErrNoEmbeddings
	}
	for _, e := range embeddings {
		if len(e) != want {
			return 0, &DimensionMismatchError{Want: want, Got: len(e)}
		}
	}
	return want, nil
}

// cloneEmbeddings deep-copies embeddings so callers cannot mutate stored data.
func cloneEmbeddings(in [][]float32) [][]float32 {
	out := make([][]float32, len(in))
	for i, e := range in {
		out[i] = slices.Clone(e)
	}
	return out
}

func checkName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyName
	}
	return name, nil
}
