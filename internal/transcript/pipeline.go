// Package transcript corrects recognised caption text against the session's
// custom vocabulary.
//
// Speech engines routinely mishear proper nouns and jargon even when biased
// towards them. The [Corrector] walks the words of each final caption and
// replaces spans that sound like a vocabulary word with that word's canonical
// spelling. Matching is delegated to a [PhoneticMatcher] and runs in-process
// with no network calls, so it is safe on the live caption path.
//
// Each [Correction] records the substitution and its confidence, so callers can
// audit or display what was changed.
package transcript

// Correction captures a single substitution made by the [Corrector].
type Correction struct {
	// Original is the span as produced by the recogniser.
	Original string

	// Corrected is the vocabulary word that replaced it.
	Corrected string

	// Confidence is the matcher's similarity score (0.0–1.0).
	Confidence float64
}

// Result is the output of [Corrector.Correct].
type Result struct {
	// Text is the caption with all substitutions applied.
	Text string

	// Corrections lists the substitutions in text order. It is empty when
	// nothing changed.
	Corrections []Correction
}

// Changed reports whether any substitution was applied.
func (r Result) Changed() bool { return len(r.Corrections) > 0 }

// PhoneticMatcher resolves a word or phrase to a known vocabulary word based
// on pronunciation similarity.
//
// Implementations must be safe for concurrent use.
type PhoneticMatcher interface {
	// Match attempts to find the vocabulary word most similar to word.
	//
	// When matched is false, corrected must equal word unchanged and
	// confidence must be 0.
	Match(word string, vocabulary []string) (corrected string, confidence float64, matched bool)
}
