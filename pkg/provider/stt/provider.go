// Package stt is the contract between the caption pipeline and a speech
// recognition engine.
//
// An engine opens streams. A stream takes 16-bit PCM through SendAudio and
// answers on two channels: partials, which may be revised and only feed the
// live preview, and finals, which become caption lines. Engines in this
// module are whisper.cpp (in process or over HTTP), Deepgram and the demo
// engine.
package stt

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by SetKeywords when an engine can only take a
// new vocabulary on a fresh stream.
var ErrNotSupported = errors.New("stt: operation not supported by provider")

// StreamConfig is the audio format and recognition hints of one stream.
// Zero fields fall back to engine defaults.
type StreamConfig struct {
	SampleRate int
	Channels   int

	// Language is a BCP-47 tag such as "en" or "de-DE".
	Language string

	// Keywords bias recognition toward rare words such as names.
	Keywords []KeywordBoost
}

// SessionHandle is one open recognition stream. Its methods may be called
// from different goroutines.
type SessionHandle interface {
	// SendAudio queues a PCM chunk in the stream's format. It fails after
	// Close or once the engine has ended the stream.
	SendAudio(chunk []byte) error

	// Partials and Finals are closed when the stream ends.
	Partials() <-chan Transcript
	Finals() <-chan Transcript

	// SetKeywords swaps the vocabulary bias from the next utterance on, or
	// returns ErrNotSupported.
	SetKeywords(keywords []KeywordBoost) error

	// Close flushes buffered audio, delivers the resulting finals and closes
	// both channels before it returns. Later calls return nil.
	Close() error
}

// Provider opens recognition streams. A capture session holds one stream
// at a time and reopens it when the vocabulary changes on an engine that
// cannot swap it live.
type Provider interface {
	// StartStream opens a stream ready for audio. ctx bounds the setup; the
	// stream lives until Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
