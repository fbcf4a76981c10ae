// Package audio defines the frame type, the bounded [FrameBus] that carries
// frames from a real-time capture callback to the worker side, and the
// [Source] abstraction implemented by capture backends.
//
// Capture backends live in sub-packages (audio/portaudio, audio/wavfile) so
// that the cgo dependency of PortAudio is only linked where it is needed.
package audio

import "time"

// AudioFrame is a fixed-size block of 16-bit little-endian PCM samples.
// Frames are the atomic unit of audio transport between capture, filtering
// and recognition.
//
// Once a frame has been pushed onto a [FrameBus] it is immutable: the bus
// copies Data on push and consumers must not write to it.
type AudioFrame struct {
	// Seq is assigned by [FrameBus.Push] and strictly increases for the
	// lifetime of the bus (one capture session).
	Seq uint64

	// Data holds interleaved int16 PCM samples.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for a typical sound card, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
