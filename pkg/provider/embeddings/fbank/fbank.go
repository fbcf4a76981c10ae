// Package fbank implements a pure-Go speaker embedding extractor based on log
// mel filterbank statistics.
//
// The clip is down-mixed and resampled to 16 kHz, framed (25 ms window,
// 10 ms shift), and converted to 80-band log mel energies. The embedding is
// the per-band mean (with the cross-band average removed, cancelling overall
// loudness) followed by the per-band standard deviation, L2-normalised: 160
// dimensions. It captures the long-term spectral envelope of a voice and is
// good enough to tell a handful of enrolled speakers apart; it is not a
// neural speaker model.
package fbank

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/MrWong99/captionist/pkg/audio"
	"github.com/MrWong99/captionist/pkg/provider/embeddings"
)

const (
	sampleRate  = 16000
	numMels     = 80
	frameLength = 400 // 25ms @ 16kHz
	frameShift  = 160 // 10ms @ 16kHz
	preEmphasis = 0.97
	energyFloor = 1e-10

	// Dims is the embedding length.
	Dims = 2 * numMels
)

var _ embeddings.Extractor = (*Extractor)(nil)

// Extractor computes fbank-statistics embeddings.
type Extractor struct {
	window     []float64
	filterbank [][]float64
	fftSize    int
}

// New returns an extractor with precomputed window and filterbank.
func New() *Extractor {
	fftSize := nextPow2(frameLength)
	return &Extractor{
		window:     hammingWindow(frameLength),
		filterbank: melFilterbank(numMels, fftSize, sampleRate),
		fftSize:    fftSize,
	}
}

// Dimensions implements [embeddings.Extractor].
func (e *Extractor) Dimensions() int { return Dims }

// ModelID implements [embeddings.Extractor].
func (e *Extractor) ModelID() string { return "fbank-stats-80" }

// Extract implements [embeddings.Extractor].
func (e *Extractor) Extract(ctx context.Context, pcm []byte, format audio.Format) ([]float32, error) {
	if format.Channels > 1 {
		pcm = audio.Downmix(pcm, format.Channels)
	}
	pcm = audio.ResampleMono16(pcm, format.SampleRate, sampleRate)

	frames := e.logMel(ctx, pcm)
	if ctx.Err() != nil {
		return nil, fmt.Errorf("fbank: extract: %w", ctx.Err())
	}
	if len(frames) < 2 {
		return nil, embeddings.ErrClipTooShort
	}

	mean := make([]float64, numMels)
	for _, f := range frames {
		for m, v := range f {
			mean[m] += v
		}
	}
	n := float64(len(frames))
	var avg float64
	for m := range mean {
		mean[m] /= n
		avg += mean[m]
	}
	avg /= numMels

	std := make([]float64, numMels)
	for _, f := range frames {
		for m, v := range f {
			d := v - mean[m]
			std[m] += d * d
		}
	}

	out := make([]float32, Dims)
	var sq float64
	for m := range numMels {
		c := mean[m] - avg
		s := math.Sqrt(std[m] / n)
		out[m] = float32(c)
		out[numMels+m] = float32(s)
		sq += c*c + s*s
	}
	if sq == 0 {
		return out, nil
	}
	inv := 1 / math.Sqrt(sq)
	for i := range out {
		out[i] = float32(float64(out[i]) * inv)
	}
	return out, nil
}

// logMel returns [frames][numMels] log mel energies of 16 kHz mono PCM.
func (e *Extractor) logMel(ctx context.Context, pcm []byte) [][]float64 {
	samples := make([]float64, len(pcm)/2)
	for i := range samples {
		samples[i] = float64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}
	if len(samples) < frameLength {
		return nil
	}
	for i := len(samples) - 1; i > 0; i-- {
		samples[i] -= preEmphasis * samples[i-1]
	}
	samples[0] *= 1 - preEmphasis

	numFrames := (len(samples)-frameLength)/frameShift + 1
	half := e.fftSize/2 + 1
	buf := make([]complex128, e.fftSize)
	power := make([]float64, half)
	out := make([][]float64, 0, numFrames)

	for f := range numFrames {
		if f%100 == 0 && ctx.Err() != nil {
			return nil
		}
		off := f * frameShift
		clear(buf)
		for i := range frameLength {
			buf[i] = complex(samples[off+i]*e.window[i], 0)
		}
		fft(buf)
		for k := range half {
			r, im := real(buf[k]), imag(buf[k])
			power[k] = r*r + im*im
		}
		frame := make([]float64, numMels)
		for m := range numMels {
			var energy float64
			for k, w := range e.filterbank[m] {
				energy += w * power[k]
			}
			frame[m] = math.Log(max(energy, energyFloor))
		}
		out = append(out, frame)
	}
	return out
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func hammingWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

func hzToMel(hz float64) float64 { return 2595.0 * math.Log10(1.0+hz/700.0) }

func melToHz(mel float64) float64 { return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0) }

// melFilterbank returns [numMels][fftSize/2+1] triangular filter weights.
func melFilterbank(mels, fftSize, rate int) [][]float64 {
	half := fftSize/2 + 1
	lo, hi := hzToMel(0), hzToMel(float64(rate)/2)

	bins := make([]int, mels+2)
	for i := range bins {
		hz := melToHz(lo + float64(i)*(hi-lo)/float64(mels+1))
		bins[i] = min(int(math.Floor(hz*float64(fftSize)/float64(rate))), half-1)
	}

	fb := make([][]float64, mels)
	for m := range mels {
		fb[m] = make([]float64, half)
		left, center, right := bins[m], bins[m+1], bins[m+2]
		if center > left {
			for k := left; k <= center; k++ {
				fb[m][k] = float64(k-left) / float64(center-left)
			}
		}
		if right > center {
			for k := center; k <= right; k++ {
				fb[m][k] = float64(right-k) / float64(right-center)
			}
		}
	}
	return fb
}

// fft is an in-place radix-2 Cooley-Tukey FFT; len(x) must be a power of 2.
func fft(x []complex128) {
	n := len(x)
	j := 0
	for i := 1; i < n; i++ {
		bit := n >> 1
		for j&bit != 0 {
			j ^= bit
			bit >>= 1
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		wn := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := range half {
				u := x[start+k]
				t := w * x[start+k+half]
				x[start+k] = u + t
				x[start+k+half] = u - t
				w *= wn
			}
		}
	}
}
