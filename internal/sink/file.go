package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// File appends final captions to a transcript file, one line each.
//
// The first write or flush failure marks the file degraded: later writes
// return [ErrDegraded] and captioning continues without it.
type File struct {
	path string

	mu       sync.Mutex
	f        io.Closer
	w        *bufio.Writer
	degraded error
	closed   bool
}

var (
	_ Sink     = (*File)(nil)
	_ Degrader = (*File)(nil)
)

// OpenFile opens path for appending, creating it if needed.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open transcript file: %w", err)
	}
	return NewFile(path, f), nil
}

// NewFile returns a transcript sink writing to w, which it owns. path is
// used in logs only.
func NewFile(path string, w io.WriteCloser) *File {
	return &File{path: path, f: w, w: bufio.NewWriter(w)}
}

// Name implements [Sink].
func (s *File) Name() string { return "file" }

// Path returns the transcript file path.
func (s *File) Path() string { return s.path }

// Write implements [Sink]. Partial entries are ignored. Each line is flushed
// so a failure surfaces on the entry that caused it.
func (s *File) Write(_ context.Context, e Entry) error {
	if !e.Final {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.degraded != nil:
		return fmt.Errorf("%w: %w", ErrDegraded, s.degraded)
	}
	if _, err := s.w.WriteString(e.Text + "\n"); err != nil {
		return s.degrade(err)
	}
	if err := s.w.Flush(); err != nil {
		return s.degrade(err)
	}
	return nil
}

func (s *File) degrade(err error) error {
	s.degraded = err
	slog.Warn("sink: transcript file degraded", "path", s.path, "err", err)
	return fmt.Errorf("%w: %w", ErrDegraded, err)
}

// Degraded implements [Degrader].
func (s *File) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded != nil
}

// Close flushes and closes the file.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var flushErr error
	if s.degraded == nil {
		flushErr = s.w.Flush()
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("sink: close transcript file: %w", err)
	}
	if flushErr != nil {
		return fmt.Errorf("sink: flush transcript file: %w", flushErr)
	}
	return nil
}
