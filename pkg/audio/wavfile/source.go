package wavfile

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/captionist/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// SourceOption configures a [Source].
type SourceOption func(*Source)

// WithFrameDuration sets the length of each emitted frame. Defaults to 20 ms.
func WithFrameDuration(d time.Duration) SourceOption {
	return func(s *Source) {
		if d > 0 {
			s.frame = d
		}
	}
}

// WithRealtime controls pacing. Sources are paced at playback speed by
// default; disabling it emits frames back to back, which can overflow a
// bounded [audio.FrameBus].
func WithRealtime(enabled bool) SourceOption {
	return func(s *Source) { s.realtime = enabled }
}

// Source replays a WAV file as a capture stream.
type Source struct {
	path     string
	frame    time.Duration
	realtime bool

	mu   sync.Mutex
	clip Clip

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewSource returns a source that replays the WAV file at path. The file is
// read on Start.
func NewSource(path string, opts ...SourceOption) *Source {
	s := &Source{
		path:     path,
		frame:    20 * time.Millisecond,
		realtime: true,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Format implements [audio.Source]. It is only meaningful after Start.
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.Format{SampleRate: s.clip.SampleRate, Channels: s.clip.Channels}
}

// Start implements [audio.Source].
func (s *Source) Start(ctx context.Context, push func(audio.AudioFrame) bool) error {
	clip, err := Read(s.path)
	if err != nil {
		return &audio.DeviceError{Device: s.path, Op: "open", Err: err}
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.clip = clip
	s.cancel = cancel
	s.mu.Unlock()

	go s.replay(ctx, clip, push)
	return nil
}

func (s *Source) replay(ctx context.Context, clip Clip, push func(audio.AudioFrame) bool) {
	defer s.finish()

	step := int(time.Duration(clip.SampleRate)*s.frame/time.Second) * clip.Channels * 2
	if step <= 0 {
		return
	}
	var ticker *time.Ticker
	if s.realtime {
		ticker = time.NewTicker(s.frame)
		defer ticker.Stop()
	}

	var ts time.Duration
	for off := 0; off < len(clip.PCM); off += step {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}
		end := min(off+step, len(clip.PCM))
		f := audio.AudioFrame{
			Data:       clip.PCM[off:end],
			SampleRate: clip.SampleRate,
			Channels:   clip.Channels,
			Timestamp:  ts,
		}
		push(f)
		ts += f.Duration()
	}
}

func (s *Source) finish() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done implements [audio.Source]. It is closed at end of file or on Close.
func (s *Source) Done() <-chan struct{} { return s.done }

// Err implements [audio.Source]. Replay never fails after Start.
func (s *Source) Err() error { return nil }

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-s.done
		return nil
	}
	s.finish()
	return nil
}
