package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher keeps the decoded value of a file current by polling it. The
// deployment config and the settings document share it, each with its own
// decoder. A change that fails to decode is logged and ignored; the last
// good value stays current.
type Watcher[T any] struct {
	path     string
	interval time.Duration
	decode   func(path string, data []byte) (T, error)
	onChange func(old, new T)

	mu    sync.Mutex
	value T
	seen  fileStamp

	stop     chan struct{}
	finished chan struct{}
	once     sync.Once
}

// fileStamp identifies one observed version of a file. sum is zero when
// that version did not decode.
type fileStamp struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*watcherOptions)

type watcherOptions struct {
	interval time.Duration
}

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultReloadInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(o *watcherOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// NewWatcher decodes path and starts polling it. The initial decode must
// succeed. onChange, if set, runs on the polling goroutine after a changed
// file decodes.
func NewWatcher[T any](path string, decode func(path string, data []byte) (T, error), onChange func(old, new T), opts ...WatcherOption) (*Watcher[T], error) {
	o := watcherOptions{interval: DefaultReloadInterval}
	for _, opt := range opts {
		opt(&o)
	}
	w := &Watcher[T]{
		path:     path,
		interval: o.interval,
		decode:   decode,
		onChange: onChange,
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	v, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.value, w.seen = v, stamp

	go w.run()
	return w, nil
}

// Current returns the last value that decoded.
func (w *Watcher[T]) Current() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value
}

func (w *Watcher[T]) Path() string { return w.path }

// Stop ends polling and waits for a running check. It is safe to call more
// than once.
func (w *Watcher[T]) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.finished
}

func (w *Watcher[T]) run() {
	defer close(w.finished)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.poll()
		}
	}
}

func (w *Watcher[T]) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if info.ModTime().Equal(seen.mtime) && info.Size() == seen.size {
		return
	}

	v, stamp, err := w.read()
	w.mu.Lock()
	if err != nil {
		// Remember the broken version so it is not decoded on every tick.
		w.seen.mtime, w.seen.size = stamp.mtime, stamp.size
		w.mu.Unlock()
		slog.Warn("config: reload rejected, keeping previous value", "path", w.path, "err", err)
		return
	}
	if stamp.sum == w.seen.sum {
		w.seen = stamp
		w.mu.Unlock()
		return
	}
	old := w.value
	w.value, w.seen = v, stamp
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, v)
	}
}

// read decodes the file. The returned stamp carries mtime and size even
// when decoding fails.
func (w *Watcher[T]) read() (T, fileStamp, error) {
	var zero T
	info, err := os.Stat(w.path)
	if err != nil {
		return zero, fileStamp{}, err
	}
	stamp := fileStamp{mtime: info.ModTime(), size: info.Size()}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return zero, stamp, err
	}
	v, err := w.decode(w.path, data)
	if err != nil {
		return zero, stamp, err
	}
	stamp.sum = sha256.Sum256(data)
	return v, stamp, nil
}
