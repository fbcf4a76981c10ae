// Package vocab manages the custom vocabulary: a persisted mapping from word
// to optional pronunciation, plus per-word sample audio clips.
//
// The document is a JSON object (word → pronunciation) stored at a
// configurable path, conventionally custom_vocab.json. Sample clips live in
// a data directory next to it, one sub-directory per word named by
// [SafeName]. Two words that reduce to the same directory name, ignoring
// case, are a collision; they are reported, never merged.
package vocab

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"unicode"
)

// ErrNotFound is returned when a word is not in the vocabulary.
var ErrNotFound = errors.New("vocab: word not found")

// ErrEmptyWord is returned when an operation is given a blank word.
var ErrEmptyWord = errors.New("vocab: empty word")

// DataDirName is the default sample directory created next to the document.
const DataDirName = "custom_vocab_data"

// Entry is one vocabulary word.
type Entry struct {
	// Word as first entered; the unique key is its lowercase form.
	Word string

	// Pronunciation is an optional free-form hint, may be empty.
	Pronunciation string

	// Samples are file names inside the word's sample directory.
	Samples []string
}

// CollisionError reports two distinct words whose [SafeName] is identical.
type CollisionError struct {
	Word     string
	Existing string
	SafeName string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("vocab: %q collides with %q (both stored as %q)", e.Word, e.Existing, e.SafeName)
}

// SafeName derives the sample directory name for word: letters, digits, '-'
// and '_' are kept, everything else is dropped. A word with nothing left
// maps to "word".
func SafeName(word string) string {
	var b strings.Builder
	for _, r := range word {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "word"
	}
	return b.String()
}

func key(word string) string {
	return strings.ToLower(strings.TrimSpace(word))
}

// Option configures a [Manager].
type Option func(*Manager)

// WithDataDir overrides the sample directory.
func WithDataDir(dir string) Option {
	return func(m *Manager) {
		if dir != "" {
			m.dataDir = dir
		}
	}
}

// Manager owns the vocabulary document and sample directory. All methods are
// safe for concurrent use.
type Manager struct {
	path    string
	dataDir string

	mu        sync.RWMutex
	entries   map[string]*Entry // key(word) → entry
	safeNames map[string]string // dirKey → key(word)
	conflicts []*CollisionError
}

// Open loads the document at path. A missing file yields an empty
// vocabulary. Colliding words in the file are skipped (first in sorted order
// wins) and reported by [Manager.Conflicts].
func Open(path string, opts ...Option) (*Manager, error) {
	m := &Manager{
		path:      path,
		dataDir:   filepath.Join(filepath.Dir(path), DataDirName),
		entries:   make(map[string]*Entry),
		safeNames: make(map[string]string),
	}
	for _, o := range opts {
		o(m)
	}
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("vocab: create data dir: %w", err)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vocab: read %s: %w", path, err)
	}
	var doc map[string]string
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("vocab: parse %s: %w", path, err)
		}
	}
	m.entries, m.safeNames, m.conflicts = build(doc)
	return m, nil
}

// Path returns the document path.
func (m *Manager) Path() string { return m.path }

// DataDir returns the sample directory.
func (m *Manager) DataDir() string { return m.dataDir }

// Conflicts returns collisions detected while loading or replacing.
func (m *Manager) Conflicts() []*CollisionError {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.conflicts)
}

// Replace swaps the whole vocabulary for doc (word → pronunciation) and
// persists it. Collisions inside doc are skipped and reported by Conflicts.
// If saving fails the previous vocabulary stays in place.
func (m *Manager) Replace(doc map[string]string) error {
	entries, safeNames, conflicts := build(doc)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.commitLocked(entries, safeNames); err != nil {
		return err
	}
	m.conflicts = conflicts
	return nil
}

// dirKey is the identity of a word's sample directory. Case is folded so
// words differing only in case collide on case-insensitive filesystems too.
func dirKey(word string) string {
	return strings.ToLower(SafeName(word))
}

func build(doc map[string]string) (map[string]*Entry, map[string]string, []*CollisionError) {
	words := make([]string, 0, len(doc))
	for w := range doc {
		words = append(words, w)
	}
	slices.Sort(words)

	entries := make(map[string]*Entry, len(words))
	safeNames := make(map[string]string, len(words))
	var conflicts []*CollisionError
	for _, w := range words {
		k := key(w)
		if k == "" {
			continue
		}
		if prev, ok := entries[k]; ok {
			conflicts = append(conflicts, &CollisionError{Word: w, Existing: prev.Word, SafeName: SafeName(prev.Word)})
			continue
		}
		dk := dirKey(w)
		if other, ok := safeNames[dk]; ok {
			conflicts = append(conflicts, &CollisionError{Word: w, Existing: entries[other].Word, SafeName: SafeName(entries[other].Word)})
			continue
		}
		entries[k] = &Entry{Word: strings.TrimSpace(w), Pronunciation: doc[w]}
		safeNames[dk] = k
	}
	for _, c := range conflicts {
		slog.Warn("vocab: skipping colliding word", "word", c.Word, "existing", c.Existing, "safe_name", c.SafeName)
	}
	return entries, safeNames, conflicts
}

// Set adds word or updates its pronunciation. A word whose [SafeName]
// matches, ignoring case, one already taken by a different word returns a
// [*CollisionError] and leaves the vocabulary unchanged.
func (m *Manager) Set(word, pronunciation string) error {
	k := key(word)
	if k == "" {
		return ErrEmptyWord
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := maps.Clone(m.entries)
	if e, ok := entries[k]; ok {
		entries[k] = &Entry{Word: e.Word, Pronunciation: pronunciation}
		return m.commitLocked(entries, m.safeNames)
	}
	word = strings.TrimSpace(word)
	dk := dirKey(word)
	if other, ok := m.safeNames[dk]; ok {
		existing := m.entries[other].Word
		return &CollisionError{Word: word, Existing: existing, SafeName: SafeName(existing)}
	}
	safeNames := maps.Clone(m.safeNames)
	entries[k] = &Entry{Word: word, Pronunciation: pronunciation}
	safeNames[dk] = k
	return m.commitLocked(entries, safeNames)
}

// Remove deletes word from the document. Its sample directory is kept on
// disk so an accidental removal does not lose recordings.
func (m *Manager) Remove(word string) error {
	k := key(word)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, word)
	}
	entries, safeNames := maps.Clone(m.entries), maps.Clone(m.safeNames)
	delete(entries, k)
	delete(safeNames, dirKey(e.Word))
	return m.commitLocked(entries, safeNames)
}

// Clear removes every word.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked(make(map[string]*Entry), make(map[string]string))
}

// commitLocked persists entries and only then makes them current. m.mu must
// be held for writing.
func (m *Manager) commitLocked(entries map[string]*Entry, safeNames map[string]string) error {
	if err := save(m.path, entries); err != nil {
		return err
	}
	m.entries, m.safeNames = entries, safeNames
	return nil
}

// Get returns the entry for word, with its sample list.
func (m *Manager) Get(word string) (Entry, error) {
	m.mu.RLock()
	e, ok := m.entries[key(word)]
	var out Entry
	if ok {
		out = *e
	}
	m.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, word)
	}
	out.Samples = m.listSamples(out.Word)
	return out, nil
}

// Entries returns a snapshot of every entry sorted by word, with samples.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(key(a.Word), key(b.Word)) })
	for i := range out {
		out[i].Samples = m.listSamples(out[i].Word)
	}
	return out
}

// Document returns the word → pronunciation map as persisted.
func (m *Manager) Document() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return document(m.entries)
}

// Words returns the words sorted case-insensitively.
func (m *Manager) Words() []string {
	entries := m.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Word
	}
	return out
}

// ExportLexicon renders one line per word, "WORD PRON" or just "WORD", for
// offline model adaptation.
func (m *Manager) ExportLexicon() []string {
	entries := m.Entries()
	lines := make([]string, len(entries))
	for i, e := range entries {
		if e.Pronunciation != "" {
			lines[i] = e.Word + " " + e.Pronunciation
		} else {
			lines[i] = e.Word
		}
	}
	return lines
}

func document(entries map[string]*Entry) map[string]string {
	doc := make(map[string]string, len(entries))
	for _, e := range entries {
		doc[e.Word] = e.Pronunciation
	}
	return doc
}

// save writes the document for entries via a temp file and rename.
func save(path string, entries map[string]*Entry) error {
	data, err := json.MarshalIndent(document(entries), "", "  ")
	if err != nil {
		return fmt.Errorf("vocab: encode: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("vocab: save: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
