// Package mock provides scripted stt engines for tests.
//
// A test pushes transcripts into a Session's channels and inspects what the
// code under test sent back:
//
//	sess := mock.NewSession(4)
//	p := &mock.Provider{Session: sess}
//	sess.FinalsCh <- stt.Transcript{Text: "hello", IsFinal: true}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/captionist/pkg/provider/stt"
)

// StartStreamCall is one recorded StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a scripted stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Sessions are handed out in order, one per StartStream. Once they run
	// out, Session is returned, and when that is nil a fresh NewSession(16).
	Sessions []stt.SessionHandle
	Session  stt.SessionHandle

	// StartStreamErr fails every StartStream.
	StartStreamErr error

	StartStreamCalls []StartStreamCall
}

var _ stt.Provider = (*Provider)(nil)

func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	switch {
	case p.StartStreamErr != nil:
		return nil, p.StartStreamErr
	case len(p.Sessions) > 0:
		h := p.Sessions[0]
		p.Sessions = p.Sessions[1:]
		return h, nil
	case p.Session != nil:
		return p.Session, nil
	}
	return NewSession(16), nil
}

// StartStreamCallCount is safe to call while streams are being started.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Session is a scripted stt.SessionHandle. The test owns PartialsCh and
// FinalsCh; Close closes them once when CloseChannels is set, as real
// engines do.
type Session struct {
	PartialsCh    chan stt.Transcript
	FinalsCh      chan stt.Transcript
	CloseChannels bool

	SendAudioErr   error
	SetKeywordsErr error
	CloseErr       error

	mu       sync.Mutex
	audio    [][]byte
	keywords [][]stt.KeywordBoost
	closes   int
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a Session with channels of capacity buf that closes
// them on Close.
func NewSession(buf int) *Session {
	return &Session{
		PartialsCh:    make(chan stt.Transcript, buf),
		FinalsCh:      make(chan stt.Transcript, buf),
		CloseChannels: true,
	}
}

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, slices.Clone(chunk))
	return s.SendAudioErr
}

func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

func (s *Session) SetKeywords(keywords []stt.KeywordBoost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keywords = append(s.keywords, slices.Clone(keywords))
	return s.SetKeywordsErr
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closes == 1 && s.CloseChannels {
		close(s.PartialsCh)
		close(s.FinalsCh)
	}
	return s.CloseErr
}

// Audio returns copies of the chunks passed to SendAudio, in order.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audio)
}

// SendAudioCallCount reports how many chunks were sent.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

// LastKeywords returns the most recent SetKeywords argument, or nil.
func (s *Session) LastKeywords() []stt.KeywordBoost {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.keywords) == 0 {
		return nil
	}
	return s.keywords[len(s.keywords)-1]
}

// CloseCount reports how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
