package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/captionist/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: bananas\n",
			wantErr: "server.log_level",
		},
		{
			name:    "tls missing key",
			yaml:    "server:\n  tls:\n    cert_file: cert.pem\n",
			wantErr: "server.tls",
		},
		{
			name:    "deepgram without key",
			yaml:    "providers:\n  stt:\n    name: deepgram\n",
			wantErr: "api_key",
		},
		{
			name:    "whisper without url",
			yaml:    "providers:\n  stt:\n    name: whisper\n",
			wantErr: "base_url",
		},
		{
			name:    "unnamed fallback",
			yaml:    "providers:\n  stt_fallbacks:\n    - model: x\n",
			wantErr: "stt_fallbacks[0].name",
		},
		{
			name:    "wavfile without file",
			yaml:    "capture:\n  source: wavfile\n",
			wantErr: "capture.file",
		},
		{
			name:    "sample rate",
			yaml:    "capture:\n  sample_rate: 100\n",
			wantErr: "capture.sample_rate",
		},
		{
			name:    "channels",
			yaml:    "capture:\n  channels: 6\n",
			wantErr: "capture.channels",
		},
		{
			name:    "frame length",
			yaml:    "capture:\n  frame_ms: 1000\n",
			wantErr: "capture.frame_ms",
		},
		{
			name:    "nats partials without url",
			yaml:    "sinks:\n  nats:\n    partials: true\n",
			wantErr: "sinks.nats.partials",
		},
		{
			name:    "profile backend",
			yaml:    "profiles:\n  backend: sqlite\n",
			wantErr: "profiles.backend",
		},
		{
			name:    "postgres backend without dsn",
			yaml:    "profiles:\n  backend: postgres\n",
			wantErr: "postgres_dsn",
		},
		{
			name:    "gate floor",
			yaml:    "filter:\n  gate_floor: 1.5\n",
			wantErr: "filter.gate_floor",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error should mention %q, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
capture:
  channels: 3
profiles:
  backend: cloud
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "capture.channels", "profiles.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_UnknownProviderOnlyWarns(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  stt:
    name: my-custom-engine
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown provider name should only warn, got: %v", err)
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()
	cfg, err := config.Decode("captionist.yaml", []byte("server:\n  log_level: debug\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log level = %q", cfg.Server.LogLevel)
	}
}
