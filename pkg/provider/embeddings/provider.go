// Package embeddings defines the Extractor interface for speaker embedding
// backends.
//
// An extractor maps an audio clip to a dense, fixed-dimension float32 vector
// that characterises the speaker's voice. Profiles store these vectors and the
// profile matcher compares them by cosine similarity, so every vector compared
// against a store must come from the same extractor model.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"

	"github.com/MrWong99/captionist/pkg/audio"
)

// ErrClipTooShort is returned when a clip holds too little audio to embed.
var ErrClipTooShort = errors.New("embeddings: clip too short")

// Extractor is the abstraction over any speaker embedding backend.
//
// All vectors returned by a single Extractor share the same dimensionality
// (returned by Dimensions). Extractors normalise their output once, at
// extraction time; stored vectors are never renormalised.
//
// Implementations must be safe for concurrent use.
type Extractor interface {
	// Extract computes the embedding of a clip of 16-bit little-endian PCM in
	// the given format. Implementations resample and down-mix as needed.
	// Returns ErrClipTooShort when the clip cannot produce a vector.
	Extract(ctx context.Context, pcm []byte, format audio.Format) ([]float32, error)

	// Dimensions returns the fixed length of every vector produced.
	Dimensions() int

	// ModelID returns an identifier of the extraction method, recorded with
	// stored profiles so incompatible vectors are never compared.
	ModelID() string
}
