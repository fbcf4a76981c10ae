package main

import (
	"testing"

	"github.com/MrWong99/captionist/internal/config"
)

func TestCommandTree(t *testing.T) {
	t.Parallel()
	want := map[string][]string{
		"run":     nil,
		"profile": {"create", "add", "list", "match", "rename", "delete"},
		"vocab":   {"list", "set", "remove", "add-sample", "samples", "remove-sample", "export-lexicon", "embed"},
		"redact":  {"preview"},
		"export":  {"txt", "srt"},
		"devices": nil,
	}
	for name, subs := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered (got %v, err %v)", name, cmd, err)
			continue
		}
		for _, sub := range subs {
			c, _, err := rootCmd.Find([]string{name, sub})
			if err != nil || c.Name() != sub {
				t.Errorf("command %q %q not registered", name, sub)
			}
		}
	}
}

func TestProviderLabel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		entry config.ProviderEntry
		want  string
	}{
		{config.ProviderEntry{}, "(not configured)"},
		{config.ProviderEntry{Name: "whisper"}, "whisper"},
		{config.ProviderEntry{Name: "deepgram", Model: "nova-2"}, "deepgram / nova-2"},
	}
	for _, tt := range tests {
		if got := providerLabel(tt.entry); got != tt.want {
			t.Errorf("providerLabel(%+v) = %q, want %q", tt.entry, got, tt.want)
		}
	}
}

func TestRedactDSN(t *testing.T) {
	t.Parallel()
	if got := redactDSN(""); got != "" {
		t.Errorf("redactDSN(\"\") = %q", got)
	}
	if got := redactDSN("postgres://user:secret@db/captions"); got != "postgres (configured)" {
		t.Errorf("redactDSN leaked %q", got)
	}
}
