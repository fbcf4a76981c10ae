package settings

import (
	"fmt"

	"github.com/MrWong99/captionist/internal/vocab"
)

// CaptureVocab copies the vocabulary document and every sample clip of m
// into custom_vocab and custom_vocab_samples, so the settings file alone
// can recreate the vocabulary on another machine.
func (s *Settings) CaptureVocab(m *vocab.Manager) error {
	s.CustomVocab = m.Document()
	s.CustomVocabSamples = make(map[string][]vocab.Sample)
	for _, word := range m.Words() {
		samples, err := m.Samples(word)
		if err != nil {
			return fmt.Errorf("settings: capture vocab: %w", err)
		}
		if len(samples) > 0 {
			s.CustomVocabSamples[word] = samples
		}
	}
	if s.CustomVocabDataDir == "" {
		s.CustomVocabDataDir = m.DataDir()
	}
	return nil
}

// RestoreVocab replaces m's document with custom_vocab and writes back the
// embedded samples. Samples already on disk with identical content are
// skipped; name clashes get a numeric suffix. Samples for words missing
// from custom_vocab are ignored.
func (s *Settings) RestoreVocab(m *vocab.Manager) error {
	if err := m.Replace(s.CustomVocab); err != nil {
		return fmt.Errorf("settings: restore vocab: %w", err)
	}
	for word, samples := range s.CustomVocabSamples {
		if _, err := m.Get(word); err != nil {
			continue
		}
		if err := m.RestoreSamples(word, samples); err != nil {
			return fmt.Errorf("settings: restore samples for %q: %w", word, err)
		}
	}
	return nil
}
