// Package phonetic corrects misheard vocabulary words by sound.
//
// A candidate entry must share a Double Metaphone code with the heard
// phrase and reach the phonetic Jaro-Winkler threshold. Entries that sound
// different can still win on spelling alone, but only above the stricter
// fuzzy threshold, and never over a phonetic candidate.
//
// A phrase is only compared with entries of at most as many words: "tower"
// alone never becomes "Tower of Whispers". A phrase longer than the entry,
// such as "elder nacks" for "Eldrinax", is also compared with its spaces
// removed.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the similarity a sound-alike entry needs.
// Default 0.70.
func WithPhoneticThreshold(t float64) Option {
	return func(m *Matcher) { m.phonetic = t }
}

// WithFuzzyThreshold sets the similarity an entry that does not sound alike
// needs. Default 0.85.
func WithFuzzyThreshold(t float64) Option {
	return func(m *Matcher) { m.fuzzy = t }
}

// Matcher is immutable and safe for concurrent use.
type Matcher struct {
	phonetic float64
	fuzzy    float64
}

func New(opts ...Option) *Matcher {
	m := &Matcher{phonetic: defaultPhoneticThreshold, fuzzy: defaultFuzzyThreshold}
	for _, o := range opts {
		o(m)
	}
	return m
}

// entry is one vocabulary word with its precomputed comparison data.
type entry struct {
	original string
	lower    string
	tokens   []string
	concat   string
	codes    map[string]struct{}
}

// Entities is a vocabulary prepared for repeated matching.
type Entities struct {
	entries  []entry
	maxWords int
}

// PrepareEntities precomputes phonetic codes for a vocabulary. Blank entries
// are skipped.
func PrepareEntities(words []string) *Entities {
	es := &Entities{entries: make([]entry, 0, len(words))}
	for _, w := range words {
		lower := strings.ToLower(strings.TrimSpace(w))
		if lower == "" {
			continue
		}
		toks := strings.Fields(lower)
		es.entries = append(es.entries, entry{
			original: strings.TrimSpace(w),
			lower:    lower,
			tokens:   toks,
			concat:   strings.Join(toks, ""),
			codes:    codesForTokens(toks),
		})
		es.maxWords = max(es.maxWords, len(toks))
	}
	return es
}

// MaxWords returns the word count of the longest entry.
func (es *Entities) MaxWords() int { return es.maxWords }

// Len returns the number of usable entries.
func (es *Entities) Len() int { return len(es.entries) }

// Match finds the vocabulary word most similar to word. When matched is
// false, corrected equals word and confidence is 0.
func (m *Matcher) Match(word string, entities []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, PrepareEntities(entities))
}

// MatchPrepared is [Matcher.Match] against a prepared vocabulary.
func (m *Matcher) MatchPrepared(word string, es *Entities) (corrected string, confidence float64, matched bool) {
	lower := strings.ToLower(strings.TrimSpace(word))
	if es == nil || len(es.entries) == 0 || lower == "" {
		return word, 0, false
	}
	tokens := strings.Fields(lower)
	concat := strings.Join(tokens, "")
	inputCodes := codesForTokens(tokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for i := range es.entries {
		e := &es.entries[i]
		if len(tokens) < len(e.tokens) {
			continue
		}
		score := matchr.JaroWinkler(lower, e.lower, false)
		if len(tokens) > len(e.tokens) {
			score = max(score, matchr.JaroWinkler(concat, e.concat, false))
		}

		if codesOverlap(inputCodes, e.codes) {
			if score >= m.phonetic && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = e.original, score, true
			}
		} else if !bestPhonetic && score >= m.fuzzy && score > bestScore {
			best, bestScore = e.original, score
		}
	}
	if best == "" {
		return word, 0, false
	}
	return best, bestScore, true
}

// codesForTokens collects the primary and alternate Double Metaphone codes
// of every token.
func codesForTokens(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, 2*len(tokens))
	for _, tok := range tokens {
		primary, alternate := matchr.DoubleMetaphone(tok)
		for _, c := range [2]string{primary, alternate} {
			if c != "" {
				set[c] = struct{}{}
			}
		}
	}
	return set
}

func codesOverlap(x, y map[string]struct{}) bool {
	small, large := x, y
	if len(small) > len(large) {
		small, large = large, small
	}
	for c := range small {
		if _, hit := large[c]; hit {
			return true
		}
	}
	return false
}
