// Package punctuate restores sentence casing and end punctuation on final
// captions. Recognizers emit lower-case, unpunctuated text; a [Punctuator]
// turns "i think so" into "I think so.".
//
// Two implementations exist: [Rule], a fixed set of casing rules, and
// [Command], which hands each caption to an external program. [Parse] builds
// one from the settings value.
package punctuate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrUnsupported is returned by [Parse] for a punctuator setting it cannot
// build, such as a model reference.
var ErrUnsupported = errors.New("punctuate: unsupported punctuator")

// Punctuator rewrites one final caption. Implementations never fail: on any
// problem they return text unchanged.
type Punctuator interface {
	Punctuate(ctx context.Context, text string) string
}

const (
	// NameRule selects [Rule].
	NameRule = "rule"

	// NameOff disables punctuation, as does an empty value.
	NameOff = "off"

	// commandPrefix introduces a [Command] template.
	commandPrefix = "subproc:"
)

// Parse builds the punctuator named by the setting value v:
//
//	""  or "off"           no punctuation (nil, nil)
//	"rule"                 [Rule]
//	"subproc:<command>"    [Command] running command
func Parse(v string) (Punctuator, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "" || strings.EqualFold(v, NameOff):
		return nil, nil
	case strings.EqualFold(v, NameRule):
		return Rule{}, nil
	case strings.HasPrefix(v, commandPrefix):
		c, err := NewCommand(strings.TrimPrefix(v, commandPrefix))
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupported, v)
}

var (
	spaceRun     = regexp.MustCompile(`\s+`)
	loneI        = regexp.MustCompile(`\bi\b`)
	sentenceNext = regexp.MustCompile(`([.?!]["']?\s+)(\p{Ll})`)
	endsSentence = regexp.MustCompile(`[.?!]\s*$`)
)

// Rule applies fixed casing rules: whitespace is collapsed, a standalone "i"
// becomes "I", the first letter and every letter opening a sentence are
// upper-cased, and a missing end mark becomes ".".
type Rule struct{}

// Punctuate implements [Punctuator].
func (Rule) Punctuate(_ context.Context, text string) string {
	s := spaceRun.ReplaceAllString(strings.TrimSpace(text), " ")
	if s == "" {
		return text
	}
	s = loneI.ReplaceAllString(s, "I")
	s = upperFirst(s)
	s = sentenceNext.ReplaceAllStringFunc(s, func(m string) string {
		r, size := utf8.DecodeLastRuneInString(m)
		return m[:len(m)-size] + string(unicode.ToUpper(r))
	})
	if !endsSentence.MatchString(s) {
		s += "."
	}
	return s
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if !unicode.IsLower(r) {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
