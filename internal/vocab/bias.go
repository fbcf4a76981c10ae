package vocab

import (
	"slices"
	"strings"

	"github.com/MrWong99/captionist/pkg/provider/stt"
)

// DefaultBoost is the boost assigned to every vocabulary word.
const DefaultBoost = 2.0

// Bias maps vocabulary entries to an engine keyword list. It is pure: the
// result depends only on entries, is sorted by word, and contains each word
// once regardless of case.
func Bias(entries []Entry) []stt.KeywordBoost {
	seen := make(map[string]bool, len(entries))
	out := make([]stt.KeywordBoost, 0, len(entries))
	for _, e := range entries {
		w := strings.TrimSpace(e.Word)
		k := strings.ToLower(w)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, stt.KeywordBoost{Keyword: w, Boost: DefaultBoost})
	}
	slices.SortFunc(out, func(a, b stt.KeywordBoost) int {
		return strings.Compare(strings.ToLower(a.Keyword), strings.ToLower(b.Keyword))
	})
	return out
}
