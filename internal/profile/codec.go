package profile

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// blob is the on-disk form of one embedding.
type blob struct {
	Dims   int       `msgpack:"d"`
	Vector []float32 `msgpack:"v"`
}

func encodeEmbedding(v []float32) ([]byte, error) {
	b, err := msgpack.Marshal(blob{Dims: len(v), Vector: v})
	if err != nil {
		return nil, fmt.Errorf("encode embedding: %w", err)
	}
	return b, nil
}

func decodeEmbedding(data []byte) ([]float32, error) {
	var b blob
	if err := msgpack.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(b.Vector) != b.Dims {
		return nil, fmt.Errorf("decode embedding: header says %d dims, vector has %d", b.Dims, len(b.Vector))
	}
	return b.Vector, nil
}

// record is the index entry of one profile.
type record struct {
	Name       string    `json:"name" msgpack:"name"`
	CreatedAt  time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt  time.Time `json:"updated_at,omitzero" msgpack:"updated_at"`
	Embeddings []string  `json:"embeddings" msgpack:"embeddings"`
	Sources    []string  `json:"sources,omitempty" msgpack:"sources"`
}
