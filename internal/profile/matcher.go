package profile

import (
	"cmp"
	"context"
	"errors"
	"math"
	"slices"
	"time"
)

// ErrNoQuery is returned by [Matcher.Match] for an empty query vector.
var ErrNoQuery = errors.New("profile: empty query embedding")

// Match is one ranked result.
type Match struct {
	Name  string
	Score float64
}

// Ranker is implemented by stores that can pre-rank profiles for a query
// with an index, returning candidate names nearest first. The matcher
// rescores the candidates exactly.
type Ranker interface {
	Nearest(ctx context.Context, query []float32, k int) ([]string, error)
}

// candidateFactor widens the pre-ranked candidate set to absorb index
// approximation before exact rescoring.
const candidateFactor = 4

// MatcherOption configures a [Matcher].
type MatcherOption func(*Matcher)

// WithMatchObserver registers a callback invoked with the duration of every
// Match call (used for metrics).
func WithMatchObserver(fn func(time.Duration)) MatcherOption {
	return func(m *Matcher) { m.observe = fn }
}

// Matcher ranks stored profiles against a query embedding.
type Matcher struct {
	store   Store
	observe func(time.Duration)
}

// NewMatcher returns a matcher reading from store.
func NewMatcher(store Store, opts ...MatcherOption) *Matcher {
	m := &Matcher{store: store}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns at most k profiles ordered by descending score, ties broken by
// name ascending. A profile's score is the highest cosine similarity between
// the query and any of its stored embeddings, so matching a stored embedding
// against itself always yields the maximum score of 1.
//
// The store is read through a snapshot taken at call time. Profiles created
// concurrently may or may not be included. A query whose length differs from
// the stored embeddings returns a [*DimensionMismatchError].
func (m *Matcher) Match(ctx context.Context, query []float32, k int) ([]Match, error) {
	if m.observe != nil {
		start := time.Now()
		defer func() { m.observe(time.Since(start)) }()
	}
	if len(query) == 0 {
		return nil, ErrNoQuery
	}
	if k <= 0 {
		return nil, nil
	}
	profiles, err := m.candidates(ctx, query, k)
	if err != nil {
		return nil, err
	}

	qnorm := norm(query)
	results := make([]Match, 0, len(profiles))
	for _, p := range profiles {
		best := math.Inf(-1)
		for _, e := range p.Embeddings {
			if len(e) != len(query) {
				return nil, &DimensionMismatchError{Want: len(e), Got: len(query)}
			}
			if s := cosine(query, e, qnorm); s > best {
				best = s
			}
		}
		if math.IsInf(best, -1) {
			continue
		}
		results = append(results, Match{Name: p.Name, Score: best})
	}

	slices.SortFunc(results, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// candidates returns the profiles to score: pre-ranked ones when the store is
// a [Ranker], otherwise a full snapshot.
func (m *Matcher) candidates(ctx context.Context, query []float32, k int) ([]Profile, error) {
	r, ok := m.store.(Ranker)
	if !ok {
		return m.store.Snapshot(ctx)
	}
	names, err := r.Nearest(ctx, query, k*candidateFactor)
	if err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(names))
	for _, name := range names {
		p, err := m.store.Load(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Best returns the top match if its score is at least threshold.
func (m *Matcher) Best(ctx context.Context, query []float32, threshold float64) (Match, bool, error) {
	res, err := m.Match(ctx, query, 1)
	if err != nil || len(res) == 0 {
		return Match{}, false, err
	}
	if res[0].Score < threshold {
		return res[0], false, nil
	}
	return res[0], true, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either has zero
// norm. a and b must have equal length.
func Cosine(a, b []float32) float64 {
	return cosine(a, b, norm(a))
}

func cosine(a, b []float32, anorm float64) float64 {
	bnorm := norm(b)
	if anorm == 0 || bnorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	s := dot / (anorm * bnorm)
	// Round away float noise so self-similarity is exactly 1.
	s = math.Round(s*1e12) / 1e12
	return max(-1, min(1, s))
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
