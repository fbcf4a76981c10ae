// Package mock provides a test double for the embeddings.Extractor interface.
//
// Use Extractor to return pre-canned vectors without computing features and to
// verify which clips were submitted.
//
// Example:
//
//	e := &mock.Extractor{
//	    ExtractResult:   []float32{0.1, 0.2, 0.3},
//	    DimensionsValue: 3,
//	    ModelIDValue:    "test-voice-v1",
//	}
//	vec, _ := e.Extract(ctx, pcm, audio.Format{SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/captionist/pkg/audio"
	"github.com/MrWong99/captionist/pkg/provider/embeddings"
)

var _ embeddings.Extractor = (*Extractor)(nil)

// ExtractCall records a single invocation of Extract.
type ExtractCall struct {
	// PCM is a copy of the clip passed to Extract.
	PCM []byte
	// Format is the clip format passed to Extract.
	Format audio.Format
}

// Extractor is a mock implementation of embeddings.Extractor.
type Extractor struct {
	mu sync.Mutex

	// ExtractResult is returned by Extract when ExtractFunc is nil.
	ExtractResult []float32

	// ExtractFunc, if set, computes the result instead of ExtractResult.
	ExtractFunc func(pcm []byte, format audio.Format) ([]float32, error)

	// ExtractErr, if non-nil, is returned as the error from Extract.
	ExtractErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// ExtractCalls records every Extract invocation in order.
	ExtractCalls []ExtractCall
}

// Extract implements embeddings.Extractor.
func (e *Extractor) Extract(_ context.Context, pcm []byte, format audio.Format) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ExtractCalls = append(e.ExtractCalls, ExtractCall{PCM: slices.Clone(pcm), Format: format})
	if e.ExtractErr != nil {
		return nil, e.ExtractErr
	}
	if e.ExtractFunc != nil {
		return e.ExtractFunc(pcm, format)
	}
	return slices.Clone(e.ExtractResult), nil
}

// Dimensions implements embeddings.Extractor.
func (e *Extractor) Dimensions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.DimensionsValue
}

// ModelID implements embeddings.Extractor.
func (e *Extractor) ModelID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ModelIDValue
}

// CallCount returns how many times Extract was called.
func (e *Extractor) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ExtractCalls)
}
