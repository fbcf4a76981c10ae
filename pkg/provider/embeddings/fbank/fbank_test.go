package fbank_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/captionist/internal/profile"
	"github.com/MrWong99/captionist/pkg/audio"
	"github.com/MrWong99/captionist/pkg/provider/embeddings"
	"github.com/MrWong99/captionist/pkg/provider/embeddings/fbank"
)

// voice synthesises a harmonic tone: a crude stand-in for a voiced speaker
// with fundamental f0.
func voice(f0 float64, ms, rate int) []byte {
	n := rate * ms / 1000
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(rate)
		var v float64
		for h := 1; h <= 5; h++ {
			v += math.Sin(2*math.Pi*f0*float64(h)*t) / float64(h)
		}
		samples[i] = int16(v * 6000)
	}
	return audio.Int16ToPCM(samples)
}

func TestExtract_ShapeAndNorm(t *testing.T) {
	t.Parallel()
	e := fbank.New()
	v, err := e.Extract(context.Background(), voice(120, 500, 16000), audio.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(v) != e.Dimensions() || len(v) != fbank.Dims {
		t.Fatalf("got %d dims, want %d", len(v), fbank.Dims)
	}
	var sq float64
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			t.Fatalf("dim %d: non-finite %v", i, x)
		}
		sq += float64(x) * float64(x)
	}
	if math.Abs(sq-1) > 1e-4 {
		t.Errorf("norm²: got %v, want 1", sq)
	}
}

func TestExtract_SameVoiceCloserThanOther(t *testing.T) {
	t.Parallel()
	e := fbank.New()
	ctx := context.Background()
	f16 := audio.Format{SampleRate: 16000, Channels: 1}

	low1, _ := e.Extract(ctx, voice(110, 800, 16000), f16)
	low2, _ := e.Extract(ctx, voice(112, 600, 16000), f16)
	high, _ := e.Extract(ctx, voice(260, 800, 16000), f16)

	same := profile.Cosine(low1, low2)
	diff := profile.Cosine(low1, high)
	if same <= diff {
		t.Errorf("same-voice similarity %v should exceed cross-voice %v", same, diff)
	}
}

func TestExtract_ResamplesInput(t *testing.T) {
	t.Parallel()
	e := fbank.New()
	v, err := e.Extract(context.Background(), voice(150, 300, 48000), audio.Format{SampleRate: 48000, Channels: 1})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(v) != fbank.Dims {
		t.Errorf("got %d dims", len(v))
	}
}

func TestExtract_TooShort(t *testing.T) {
	t.Parallel()
	_, err := fbank.New().Extract(context.Background(), make([]byte, 200), audio.Format{SampleRate: 16000, Channels: 1})
	if !errors.Is(err, embeddings.ErrClipTooShort) {
		t.Fatalf("got %v, want ErrClipTooShort", err)
	}
}
