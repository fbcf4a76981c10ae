// Package mock provides an in-memory [audio.Source] for use in unit tests.
//
// The source is safe for concurrent use. Tests feed frames explicitly with
// [Source.Emit] (simulating the capture callback) and end the stream with
// [Source.Finish] or [Source.Fail].
//
// Typical usage:
//
//	src := &mock.Source{SourceFormat: audio.Format{SampleRate: 16000, Channels: 1}}
//	_ = src.Start(ctx, bus.Push)
//	src.Emit(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
//	src.Finish()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/captionist/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// SourceFormat is returned by [Source.Format].
	SourceFormat audio.Format

	// StartError is returned by [Source.Start] when non-nil.
	StartError error

	// CloseError is returned by [Source.Close].
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	push     func(audio.AudioFrame) bool
	done     chan struct{}
	err      error
	doneOnce sync.Once
}

func (s *Source) init() {
	if s.done == nil {
		s.done = make(chan struct{})
	}
}

// Start implements [audio.Source]. It records push for later [Source.Emit] calls.
func (s *Source) Start(_ context.Context, push func(audio.AudioFrame) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.push = push
	return nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SourceFormat
}

// Emit delivers f to the registered push function, as a capture callback
// would. It returns false if the source was not started.
func (s *Source) Emit(f audio.AudioFrame) bool {
	s.mu.Lock()
	push := s.push
	s.mu.Unlock()
	if push == nil {
		return false
	}
	push(f)
	return true
}

// Finish ends the stream naturally.
func (s *Source) Finish() { s.end(nil) }

// Fail ends the stream with err, simulating a device failure.
func (s *Source) Fail(err error) { s.end(err) }

func (s *Source) end(err error) {
	s.mu.Lock()
	s.init()
	s.mu.Unlock()
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.push = nil
		s.mu.Unlock()
		close(s.done)
	})
}

// Done implements [audio.Source].
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	return s.done
}

// Err implements [audio.Source].
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.Source]. It ends the stream without error.
func (s *Source) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	err := s.CloseError
	s.mu.Unlock()
	s.end(nil)
	return err
}
