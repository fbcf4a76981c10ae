package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	}
	return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
}

// FormatConverter turns captured frames into the engine format, usually
// 16 kHz mono. Sequence numbers and timestamps pass through unchanged.
//
// Frames whose length is not a whole number of sample frames are dropped
// (returned with nil Data); the first such frame and the first format
// mismatch are logged once. One converter serves one capture session.
type FormatConverter struct {
	Target Format

	warnMismatch sync.Once
	warnCorrupt  sync.Once
}

// Convert returns frame in the target format. A frame already in the target
// format is returned as is.
//
// Channels are mixed down before resampling so that only the target channel
// count is interpolated. Capture is never mixed up: a mono frame for a
// stereo target keeps one channel.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	channels := max(frame.Channels, 1)
	if len(frame.Data)%(2*channels) != 0 {
		c.warnCorrupt.Do(func() {
			slog.Warn("audio: dropping misaligned PCM frame",
				"bytes", len(frame.Data),
				"format", Format{frame.SampleRate, frame.Channels}.String(),
			)
		})
		return AudioFrame{
			Seq:        frame.Seq,
			SampleRate: c.Target.SampleRate,
			Channels:   c.Target.Channels,
			Timestamp:  frame.Timestamp,
		}
	}

	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}
	c.warnMismatch.Do(func() {
		slog.Warn("audio: converting capture format",
			"from", Format{frame.SampleRate, frame.Channels}.String(),
			"to", c.Target.String(),
		)
	})

	out := frame
	if c.Target.Channels == 1 && channels > 1 {
		out.Data = Downmix(out.Data, channels)
		out.Channels = 1
	}
	if out.SampleRate != c.Target.SampleRate && out.SampleRate > 0 {
		out.Data = Resample16(out.Data, max(out.Channels, 1), out.SampleRate, c.Target.SampleRate)
		out.SampleRate = c.Target.SampleRate
	}
	return out
}

// Downmix averages interleaved 16-bit PCM with the given channel count into
// mono. Mono input is returned unchanged.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := 2 * channels
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(sampleAt(pcm, i*channels+ch))
		}
		putSample(out, i, int16(sum/int32(channels)))
	}
	return out
}

// StereoToMono averages left and right of 16-bit stereo PCM.
func StereoToMono(pcm []byte) []byte { return Downmix(pcm, 2) }

// Resample16 converts interleaved 16-bit PCM from srcRate to dstRate by
// linear interpolation, per channel. Invalid rates or equal rates return
// the input unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(math.Round(s0+(s1-s0)*frac)))
		}
	}
	return out
}

// ResampleMono16 is [Resample16] for mono PCM.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return Resample16(pcm, 1, srcRate, dstRate)
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
}

func putSample(pcm []byte, i int, s int16) {
	pcm[2*i] = byte(s)
	pcm[2*i+1] = byte(uint16(s) >> 8)
}
