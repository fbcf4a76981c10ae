package transcript_test

import (
	"testing"

	"github.com/MrWong99/captionist/internal/transcript"
)

func TestCorrector_Correct(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		text       string
		vocabulary []string
		want       string
		corrected  []string
	}{
		{
			name:       "single misspelt word",
			text:       "we deployed kubernetis today.",
			vocabulary: []string{"Kubernetes"},
			want:       "we deployed Kubernetes today.",
			corrected:  []string{"Kubernetes"},
		},
		{
			name:       "multi-word entry",
			text:       "tower of wispers",
			vocabulary: []string{"Tower of Whispers"},
			want:       "Tower of Whispers",
			corrected:  []string{"Tower of Whispers"},
		},
		{
			name:       "punctuation kept",
			text:       "Ask grimjaw, now",
			vocabulary: []string{"Grimjaw"},
			want:       "Ask Grimjaw, now",
			corrected:  []string{"Grimjaw"},
		},
		{
			name:       "short common words untouched",
			text:       "of course",
			vocabulary: []string{"Tower of Whispers"},
			want:       "of course",
		},
		{
			name:       "already canonical",
			text:       "Kubernetes is up",
			vocabulary: []string{"Kubernetes"},
			want:       "Kubernetes is up",
		},
		{
			name:       "empty vocabulary",
			text:       "kubernetis",
			vocabulary: nil,
			want:       "kubernetis",
		},
		{
			name:       "empty text",
			text:       "",
			vocabulary: []string{"Kubernetes"},
			want:       "",
		},
	}

	c := transcript.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := c.Correct(tt.text, tt.vocabulary)
			if got.Text != tt.want {
				t.Errorf("Text = %q, want %q", got.Text, tt.want)
			}
			if len(got.Corrections) != len(tt.corrected) {
				t.Fatalf("Corrections = %+v, want %d", got.Corrections, len(tt.corrected))
			}
			for i, c := range got.Corrections {
				if c.Corrected != tt.corrected[i] {
					t.Errorf("Corrections[%d].Corrected = %q, want %q", i, c.Corrected, tt.corrected[i])
				}
				if c.Confidence <= 0 || c.Confidence > 1 {
					t.Errorf("Corrections[%d].Confidence = %v", i, c.Confidence)
				}
			}
			if got.Changed() != (len(tt.corrected) > 0) {
				t.Errorf("Changed() = %v", got.Changed())
			}
		})
	}
}

type exactMatcher map[string]string

func (m exactMatcher) Match(word string, _ []string) (string, float64, bool) {
	if v, ok := m[word]; ok {
		return v, 1, true
	}
	return word, 0, false
}

func TestCorrector_WithMatcher(t *testing.T) {
	t.Parallel()
	c := transcript.New(transcript.WithMatcher(exactMatcher{"foo": "Bar"}))
	got := c.Correct("a foo b", []string{"Bar"})
	if got.Text != "a Bar b" {
		t.Fatalf("Text = %q, want %q", got.Text, "a Bar b")
	}
	if len(got.Corrections) != 1 || got.Corrections[0].Original != "foo" {
		t.Fatalf("Corrections = %+v", got.Corrections)
	}
}
