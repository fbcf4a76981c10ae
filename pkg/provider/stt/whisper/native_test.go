package whisper_test

import (
	"context"
	"os"
	"testing"

	"github.com/MrWong99/captionist/pkg/audio/wavfile"
	"github.com/MrWong99/captionist/pkg/provider/stt"
	"github.com/MrWong99/captionist/pkg/provider/stt/whisper"
)

func TestNewNative_Validation(t *testing.T) {
	t.Parallel()
	if _, err := whisper.NewNative(""); err == nil {
		t.Error("NewNative with empty path succeeded")
	}
	if _, err := whisper.NewNative("/nonexistent/ggml-none.bin"); err == nil {
		t.Error("NewNative with missing model succeeded")
	}
}

// TestNative_Transcribe decodes a real recording. It needs
// WHISPER_MODEL_PATH and WHISPER_SAMPLE_WAV (16 kHz speech).
func TestNative_Transcribe(t *testing.T) {
	modelPath, wavPath := os.Getenv("WHISPER_MODEL_PATH"), os.Getenv("WHISPER_SAMPLE_WAV")
	if modelPath == "" || wavPath == "" {
		t.Skip("WHISPER_MODEL_PATH or WHISPER_SAMPLE_WAV not set")
	}
	clip, err := wavfile.Read(wavPath)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}

	p, err := whisper.NewNative(modelPath, whisper.WithNativeThreads(2))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer p.Close()

	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: clip.SampleRate, Channels: clip.Channels})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	for i := 0; i < len(clip.PCM); i += 3200 {
		h.SendAudio(clip.PCM[i:min(i+3200, len(clip.PCM))])
	}
	h.Close()

	var n int
	for tr := range h.Finals() {
		n++
		if tr.Text == "" || len(tr.Words) == 0 {
			t.Errorf("final without text or words: %+v", tr)
		}
		if tr.Confidence <= 0 || tr.Confidence > 1 {
			t.Errorf("confidence = %v", tr.Confidence)
		}
	}
	if n == 0 {
		t.Error("no finals for the sample")
	}
}
