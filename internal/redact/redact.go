// Package redact rewrites restricted words in finalized caption text.
//
// Matching is case-insensitive and operates on whole tokens: a token is a run
// of letters, digits and underscores, optionally joined by single hyphens or
// apostrophes ("mother-in-law", "don't"). A restricted word never matches a
// substring of a longer token.
//
// [Apply] and [Preview] are pure functions of their inputs; the [Engine] type
// only adds a lock-protected current configuration and word set for the live
// pipeline.
package redact

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mode selects how a matched token is rewritten.
type Mode string

const (
	// ModeFixed replaces the whole token with the replacement text.
	ModeFixed Mode = "fixed"

	// ModeKeepFirst keeps the first alphanumeric character and masks the rest.
	ModeKeepFirst Mode = "keep_first"

	// ModeKeepLast keeps the last alphanumeric character and masks the rest.
	ModeKeepLast Mode = "keep_last"

	// ModeKeepFirstLast keeps the first and last alphanumeric characters. A
	// token with a single alphanumeric character is treated as keep_first.
	ModeKeepFirstLast Mode = "keep_first_last"

	// ModeRemove deletes the token and one adjacent space.
	ModeRemove Mode = "remove"

	// modeCustom is accepted on input as an alias of ModeFixed.
	modeCustom Mode = "custom"
)

const (
	// DefaultReplacement is used by ModeFixed when no replacement text is set.
	DefaultReplacement = "****"

	// DefaultMaskChar masks characters in the keep_* modes.
	DefaultMaskChar = '*'
)

var (
	// ErrInvalidMode is returned for an unknown redaction mode.
	ErrInvalidMode = errors.New("redact: invalid mode")

	// ErrInvalidMaskChar is returned when the mask is not exactly one character.
	ErrInvalidMaskChar = errors.New("redact: mask must be exactly one character")
)

var tokenRE = regexp.MustCompile(`[\p{L}\p{N}_]+(?:[-'][\p{L}\p{N}_]+)*`)

// Modes lists every valid mode in presentation order.
func Modes() []Mode {
	return []Mode{ModeFixed, ModeKeepFirst, ModeKeepLast, ModeKeepFirstLast, ModeRemove}
}

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFixed, ModeKeepFirst, ModeKeepLast, ModeKeepFirstLast, ModeRemove, modeCustom:
		return true
	}
	return false
}

// Config is a redaction policy.
type Config struct {
	Mode        Mode
	Replacement string
	MaskChar    rune
}

// DefaultConfig returns fixed-text redaction with "****".
func DefaultConfig() Config {
	return Config{Mode: ModeFixed, Replacement: DefaultReplacement, MaskChar: DefaultMaskChar}
}

// ParseConfig builds a validated Config from the string form used in the
// settings document. mask must be exactly one character.
func ParseConfig(mode, replacement, mask string) (Config, error) {
	var errs []error
	m := Mode(strings.ToLower(strings.TrimSpace(mode)))
	if m == "" {
		m = ModeFixed
	}
	if !m.IsValid() {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidMode, mode))
	}
	r, size := utf8.DecodeRuneInString(mask)
	if mask == "" {
		r = DefaultMaskChar
	} else if size != len(mask) || r == utf8.RuneError {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidMaskChar, mask))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return Config{Mode: m, Replacement: replacement, MaskChar: r}.Normalize(), nil
}

// Normalize resolves aliases and fills defaults. Custom and unknown modes
// become fixed, an empty fixed replacement becomes [DefaultReplacement], and
// a zero mask becomes [DefaultMaskChar].
func (c Config) Normalize() Config {
	if c.Mode == modeCustom || !c.Mode.IsValid() {
		c.Mode = ModeFixed
	}
	if c.Mode == ModeFixed && c.Replacement == "" {
		c.Replacement = DefaultReplacement
	}
	if c.MaskChar == 0 {
		c.MaskChar = DefaultMaskChar
	}
	return c
}

// Validate reports an unknown mode.
func (c Config) Validate() error {
	if !c.Mode.IsValid() && c.Mode != "" {
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
	return nil
}

// Apply rewrites every restricted token in text according to cfg.
func Apply(text string, words WordSet, cfg Config) string {
	out, _ := ApplyCount(text, words, cfg)
	return out
}

// Preview renders sample exactly as [Apply] would. It exists so callers
// rendering a live preview of a config have a name that says so.
func Preview(sample string, words WordSet, cfg Config) string {
	return Apply(sample, words, cfg)
}

// ApplyCount is [Apply] that also returns the number of tokens rewritten.
func ApplyCount(text string, words WordSet, cfg Config) (string, int) {
	if text == "" || words.Len() == 0 {
		return text, 0
	}
	cfg = cfg.Normalize()

	matches := tokenRE.FindAllStringIndex(text, -1)
	var (
		b     strings.Builder
		last  int
		count int
	)
	b.Grow(len(text))
	for _, m := range matches {
		start, end := m[0], m[1]
		token := text[start:end]
		if !words.Contains(token) {
			continue
		}
		count++

		if cfg.Mode == ModeRemove {
			switch {
			case end < len(text) && text[end] == ' ':
				b.WriteString(text[last:start])
				last = end + 1
			case start > last && text[start-1] == ' ':
				b.WriteString(text[last : start-1])
				last = end
			default:
				b.WriteString(text[last:start])
				last = end
			}
			continue
		}

		b.WriteString(text[last:start])
		b.WriteString(rewrite(token, cfg))
		last = end
	}
	if count == 0 {
		return text, 0
	}
	b.WriteString(text[last:])
	return b.String(), count
}

func rewrite(token string, cfg Config) string {
	if cfg.Mode == ModeFixed {
		return cfg.Replacement
	}

	runes := []rune(token)
	var maskable []int
	for i, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			maskable = append(maskable, i)
		}
	}
	if len(maskable) == 0 {
		return token
	}

	show := map[int]bool{}
	switch cfg.Mode {
	case ModeKeepFirst:
		show[maskable[0]] = true
	case ModeKeepLast:
		show[maskable[len(maskable)-1]] = true
	case ModeKeepFirstLast:
		show[maskable[0]] = true
		show[maskable[len(maskable)-1]] = true
	default:
		return cfg.Replacement
	}

	for _, i := range maskable {
		if !show[i] {
			runes[i] = cfg.MaskChar
		}
	}
	return string(runes)
}
