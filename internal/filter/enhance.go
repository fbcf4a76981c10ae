package filter

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/captionist/pkg/audio"
)

// Enhancer is an external speech-enhancement engine (a denoising SDK).
// Process receives and returns 16-bit little-endian PCM.
type Enhancer interface {
	Process(pcm []byte, sampleRate, channels int) ([]byte, error)
	Close() error
}

// EnhancerLoader opens an enhancement engine for the model at path.
type EnhancerLoader func(modelPath string) (Enhancer, error)

// Enhancement adapts an [Enhancer] to [Variant]. A frame the engine rejects
// is passed through unchanged and counted.
type Enhancement struct {
	enh       Enhancer
	failures  atomic.Uint64
	closeOnce sync.Once
}

var _ Variant = (*Enhancement)(nil)

// NewEnhancement wraps enh.
func NewEnhancement(enh Enhancer) *Enhancement {
	return &Enhancement{enh: enh}
}

// Name implements [Variant].
func (e *Enhancement) Name() string { return "enhancement" }

// Failures returns the number of frames the engine failed to process.
func (e *Enhancement) Failures() uint64 { return e.failures.Load() }

// Process implements [Variant].
func (e *Enhancement) Process(f audio.AudioFrame) audio.AudioFrame {
	out, err := e.enh.Process(f.Data, f.SampleRate, f.Channels)
	if err != nil || len(out) != len(f.Data) {
		e.failures.Add(1)
		return f
	}
	f.Data = out
	return f
}

func (e *Enhancement) close() error {
	var err error
	e.closeOnce.Do(func() {
		if cerr := e.enh.Close(); cerr != nil {
			err = fmt.Errorf("filter: close enhancement: %w", cerr)
		}
	})
	return err
}
