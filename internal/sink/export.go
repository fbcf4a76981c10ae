package sink

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// DefaultCaptionDuration is how long each exported SRT caption is shown.
	DefaultCaptionDuration = 2 * time.Second

	// MinCaptionDuration is the shortest accepted SRT caption duration.
	MinCaptionDuration = 100 * time.Millisecond
)

// ExportText writes the text of each entry on its own line.
func ExportText(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := bw.WriteString(e.Text + "\n"); err != nil {
			return fmt.Errorf("sink: export text: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("sink: export text: %w", err)
	}
	return nil
}

// ExportSRT writes every non-empty line of lines as one SubRip caption.
// Captions follow each other back to back, each lasting captionDuration
// (clamped to [MinCaptionDuration]).
func ExportSRT(w io.Writer, lines []string, captionDuration time.Duration) error {
	captionDuration = max(captionDuration, MinCaptionDuration)
	var blocks []string
	var start time.Duration
	for _, ln := range lines {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		end := start + captionDuration
		blocks = append(blocks, fmt.Sprintf("%d\n%s --> %s\n%s\n",
			len(blocks)+1, FormatTimestamp(start), FormatTimestamp(end), ln))
		start = end
	}
	if _, err := io.WriteString(w, strings.Join(blocks, "\n")); err != nil {
		return fmt.Errorf("sink: export srt: %w", err)
	}
	return nil
}

// Lines splits entry texts into display lines.
func Lines(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, strings.Split(e.Text, "\n")...)
	}
	return out
}

// ReadLines reads a plain-text transcript.
func ReadLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("sink: read transcript: %w", err)
	}
	return out, nil
}

// FormatTimestamp renders d as HH:MM:SS,mmm. Negative durations render as
// zero.
func FormatTimestamp(d time.Duration) string {
	ms := max(d.Milliseconds(), 0)
	return fmt.Sprintf("%02d:%02d:%02d,%03d",
		ms/3_600_000, ms%3_600_000/60_000, ms%60_000/1000, ms%1000)
}
