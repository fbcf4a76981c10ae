package redact

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

// WordSet is a set of lowercase restricted words. The zero value is an empty
// set; a WordSet is not safe for concurrent mutation.
type WordSet struct {
	m map[string]struct{}
}

// NewWordSet returns a set containing words, lowercased and trimmed.
func NewWordSet(words ...string) WordSet {
	s := WordSet{m: make(map[string]struct{}, len(words))}
	for _, w := range words {
		s.Add(w)
	}
	return s
}

// Add inserts w. Blank words are ignored.
func (s *WordSet) Add(w string) {
	w = strings.ToLower(strings.TrimSpace(w))
	if w == "" {
		return
	}
	if s.m == nil {
		s.m = make(map[string]struct{})
	}
	s.m[w] = struct{}{}
}

// Contains reports whether token is restricted, ignoring case.
func (s WordSet) Contains(token string) bool {
	if len(s.m) == 0 {
		return false
	}
	_, ok := s.m[strings.ToLower(token)]
	return ok
}

// Len returns the number of words.
func (s WordSet) Len() int { return len(s.m) }

// Words returns the words in sorted order.
func (s WordSet) Words() []string {
	out := make([]string, 0, len(s.m))
	for w := range s.m {
		out = append(out, w)
	}
	slices.Sort(out)
	return out
}

// ReadWordSet parses one word per line. Blank lines and lines starting with
// '#' are ignored.
func ReadWordSet(r io.Reader) (WordSet, error) {
	s := NewWordSet()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s.Add(line)
	}
	if err := sc.Err(); err != nil {
		return WordSet{}, fmt.Errorf("redact: read word list: %w", err)
	}
	return s, nil
}

// LoadWordSet reads a restricted-words file.
func LoadWordSet(path string) (WordSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return WordSet{}, fmt.Errorf("redact: open word list: %w", err)
	}
	defer f.Close()
	return ReadWordSet(f)
}
