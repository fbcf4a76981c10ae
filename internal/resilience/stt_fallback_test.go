package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/captionist/pkg/provider/stt"
	sttmock "github.com/MrWong99/captionist/pkg/provider/stt/mock"
)

func TestSTTFallback_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Session: sttmock.NewSession(1)}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "whisper-native", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("deepgram", secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()
	if primary.StartStreamCallCount() != 1 || secondary.StartStreamCallCount() != 0 {
		t.Fatalf("calls: primary=%d secondary=%d", primary.StartStreamCallCount(), secondary.StartStreamCallCount())
	}
	if fb.Active() != "whisper-native" {
		t.Errorf("Active() = %q", fb.Active())
	}
}

func TestSTTFallback_Failover(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{StartStreamErr: errors.New("model missing")}
	secondary := &sttmock.Provider{Session: sttmock.NewSession(1)}

	fb := NewSTTFallback(primary, "whisper-native", FallbackConfig{})
	fb.AddFallback("whisper-server", secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()
	if secondary.StartStreamCallCount() != 1 {
		t.Fatalf("secondary called %d times, want 1", secondary.StartStreamCallCount())
	}
	if fb.Active() != "whisper-server" {
		t.Errorf("Active() = %q", fb.Active())
	}
	if names := fb.Names(); len(names) != 2 {
		t.Errorf("Names() = %v", names)
	}
}

func TestSTTFallback_AllFail(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{StartStreamErr: errors.New("primary down")}
	secondary := &sttmock.Provider{StartStreamErr: errors.New("secondary down")}

	fb := NewSTTFallback(primary, "a", FallbackConfig{})
	fb.AddFallback("b", secondary)

	if _, err := fb.StartStream(context.Background(), stt.StreamConfig{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if fb.Active() != "" {
		t.Errorf("Active() = %q, want empty", fb.Active())
	}
}
