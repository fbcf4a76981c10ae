package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/captionist/internal/transcript/phonetic"
)

// minSpanLetters is the shortest span considered for correction. Very short
// words ("of", "a") match too many vocabulary words by sound alone.
const minSpanLetters = 3

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithMatcher replaces the default [phonetic.Matcher].
func WithMatcher(m PhoneticMatcher) Option {
	return func(c *Corrector) {
		c.matcher = m
	}
}

// Corrector substitutes misheard spans with vocabulary words.
// It is safe for concurrent use.
type Corrector struct {
	matcher PhoneticMatcher
}

// New returns a [Corrector]. Without options it uses [phonetic.New].
func New(opts ...Option) *Corrector {
	c := &Corrector{}
	for _, o := range opts {
		o(c)
	}
	if c.matcher == nil {
		c.matcher = phonetic.New()
	}
	return c
}

// token is one whitespace-separated word split into its core and the
// punctuation around it.
type token struct {
	lead, core, trail string
}

func splitToken(s string) token {
	isWordRune := func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-'
	}
	start := strings.IndexFunc(s, isWordRune)
	if start < 0 {
		return token{lead: s}
	}
	end := strings.LastIndexFunc(s, isWordRune)
	_, size := utf8.DecodeRuneInString(s[end:])
	end += size
	return token{lead: s[:start], core: s[start:end], trail: s[end:]}
}

// Correct applies vocabulary corrections to text.
//
// At each word position, spans of decreasing length (from the longest
// vocabulary entry's word count plus one, down to one word) are tried and the
// longest match wins. A span never crosses punctuation, and leading or
// trailing punctuation of the span is kept around the replacement. Spans that
// already equal the vocabulary word are left untouched and not reported.
func (c *Corrector) Correct(text string, vocabulary []string) Result {
	fields := strings.Fields(text)
	if len(fields) == 0 || len(vocabulary) == 0 {
		return Result{Text: text}
	}

	var (
		matchFn  func(string) (string, float64, bool)
		maxWords int
	)
	if pm, ok := c.matcher.(*phonetic.Matcher); ok {
		es := phonetic.PrepareEntities(vocabulary)
		maxWords = es.MaxWords()
		matchFn = func(s string) (string, float64, bool) { return pm.MatchPrepared(s, es) }
	} else {
		maxWords = maxWordCount(vocabulary)
		matchFn = func(s string) (string, float64, bool) { return c.matcher.Match(s, vocabulary) }
	}
	if maxWords == 0 {
		return Result{Text: text}
	}
	// One extra word lets a split mishearing ("elder nacks") reach a
	// single-word entry.
	maxWindow := maxWords + 1

	tokens := make([]token, len(fields))
	for i, f := range fields {
		tokens[i] = splitToken(f)
	}

	// matchAt matches the n-word span at i.
	matchAt := func(i, n int) (string, string, float64, bool) {
		window := tokens[i : i+n]
		if !contiguous(window) {
			return "", "", 0, false
		}
		span := joinCores(window)
		if letterCount(span) < minSpanLetters {
			return "", "", 0, false
		}
		corrected, conf, ok := matchFn(span)
		return span, corrected, conf, ok
	}

	var (
		out         = make([]string, 0, len(fields))
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		n, span, corrected, conf := 0, "", "", 0.0
		for w := min(maxWindow, len(tokens)-i); w >= 1; w-- {
			if s, c, f, ok := matchAt(i, w); ok {
				n, span, corrected, conf = w, s, c, f
				break
			}
		}
		// A longer span must not swallow neighbouring words: shrink it while
		// a shorter span still matches the same word at least as well.
		for n > 1 {
			s, c, f, ok := matchAt(i, n-1)
			if !ok || c != corrected || f < conf {
				break
			}
			n, span, conf = n-1, s, f
		}
		if n > 1 {
			if _, c, f, ok := matchAt(i+1, n-1); ok && c == corrected && f >= conf {
				n = 0
			}
		}
		if n == 0 {
			out = append(out, fields[i])
			i++
			continue
		}
		out = append(out, tokens[i].lead+corrected+tokens[i+n-1].trail)
		if corrected != span {
			corrections = append(corrections, Correction{
				Original:   span,
				Corrected:  corrected,
				Confidence: conf,
			})
		}
		i += n
	}

	if len(corrections) == 0 {
		return Result{Text: text}
	}
	return Result{Text: strings.Join(out, " "), Corrections: corrections}
}

// contiguous reports whether no punctuation separates the window's words.
func contiguous(window []token) bool {
	for i, t := range window {
		if t.core == "" {
			return false
		}
		if i > 0 && t.lead != "" {
			return false
		}
		if i < len(window)-1 && t.trail != "" {
			return false
		}
	}
	return true
}

func joinCores(window []token) string {
	if len(window) == 1 {
		return window[0].core
	}
	parts := make([]string, len(window))
	for i, t := range window {
		parts[i] = t.core
	}
	return strings.Join(parts, " ")
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// maxWordCount returns the maximum number of whitespace-separated words in
// any vocabulary entry.
func maxWordCount(vocabulary []string) int {
	n := 0
	for _, w := range vocabulary {
		n = max(n, len(strings.Fields(w)))
	}
	return n
}
