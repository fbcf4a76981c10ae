package app

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/captionist/internal/config"
	"github.com/MrWong99/captionist/internal/observe"
	"github.com/MrWong99/captionist/internal/settings"
	"github.com/MrWong99/captionist/pkg/provider/stt"
	sttmock "github.com/MrWong99/captionist/pkg/provider/stt/mock"
)

func nopReport(string, error, ...any) {}

func TestWithSettings_NativeOverrides(t *testing.T) {
	t.Parallel()
	st := settings.Defaults()
	st.ModelPath = "/models/ggml-base.en.bin"
	st.CPUThreads = 6

	got := withSettings(config.ProviderEntry{Name: "whisper-native", Model: "other.bin"}, st)
	if got.Model != st.ModelPath {
		t.Errorf("Model = %q, want %q", got.Model, st.ModelPath)
	}
	if got.OptInt("threads") != 6 {
		t.Errorf("threads = %d, want 6", got.OptInt("threads"))
	}

	other := withSettings(config.ProviderEntry{Name: "deepgram", Model: "nova-2"}, st)
	if other.Model != "nova-2" || other.Options != nil {
		t.Errorf("deepgram entry modified: %+v", other)
	}
}

func TestBuildEngine(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var created []string
	reg.RegisterSTT("a", func(e config.ProviderEntry) (stt.Provider, error) {
		created = append(created, e.Name)
		return &sttmock.Provider{}, nil
	})
	reg.RegisterSTT("b", func(e config.ProviderEntry) (stt.Provider, error) {
		created = append(created, e.Name)
		return &sttmock.Provider{}, nil
	})
	reg.RegisterSTT("broken", func(config.ProviderEntry) (stt.Provider, error) {
		return nil, errors.New("no model")
	})

	tests := []struct {
		name      string
		providers config.ProvidersConfig
		wantName  string
		wantNil   bool
		wantErr   bool
	}{
		{
			name:      "chain skips broken entries",
			providers: config.ProvidersConfig{STT: config.ProviderEntry{Name: "broken"}, STTFallbacks: []config.ProviderEntry{{Name: "a"}, {Name: "b"}}},
			wantName:  "a,b",
		},
		{
			name:      "nothing configured runs demo",
			providers: config.ProvidersConfig{},
			wantName:  "demo",
			wantNil:   true,
		},
		{
			name:      "all broken reports cause",
			providers: config.ProvidersConfig{STT: config.ProviderEntry{Name: "broken"}, STTFallbacks: []config.ProviderEntry{{Name: "missing"}}},
			wantName:  "broken",
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		chain := buildEngine(reg, tt.providers, settings.Defaults(), nil, nopReport)
		if chain.name != tt.wantName {
			t.Errorf("%s: name = %q, want %q", tt.name, chain.name, tt.wantName)
		}
		if (chain.provider == nil) != tt.wantNil {
			t.Errorf("%s: provider = %v", tt.name, chain.provider)
		}
		if tt.wantErr {
			_, err := chain.provider.StartStream(context.Background(), stt.StreamConfig{})
			if err == nil {
				t.Errorf("%s: StartStream succeeded", tt.name)
			}
		}
	}
	if len(created) != 2 {
		t.Errorf("created = %v", created)
	}
}

func TestBuildEngine_CountsStreamStarts(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	reg := config.NewRegistry()
	reg.RegisterSTT("flaky", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{StartStreamErr: errors.New("503")}, nil
	})
	reg.RegisterSTT("steady", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})
	chain := buildEngine(reg, config.ProvidersConfig{
		STT:          config.ProviderEntry{Name: "flaky"},
		STTFallbacks: []config.ProviderEntry{{Name: "steady"}},
	}, settings.Defaults(), m, nopReport)

	if _, err := chain.provider.StartStream(context.Background(), stt.StreamConfig{}); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	requests := map[string]int64{}
	var errorsSeen int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				switch md.Name {
				case "captionist.provider.requests":
					p, _ := dp.Attributes.Value(attribute.Key("provider"))
					st, _ := dp.Attributes.Value(attribute.Key("status"))
					requests[p.AsString()+"/"+st.AsString()] += dp.Value
				case "captionist.provider.errors":
					errorsSeen += dp.Value
				}
			}
		}
	}
	if requests["flaky/error"] != 1 || requests["steady/ok"] != 1 {
		t.Errorf("requests = %v", requests)
	}
	if errorsSeen != 1 {
		t.Errorf("errors = %d, want 1", errorsSeen)
	}
}

func TestCloseAll_ReverseOrder(t *testing.T) {
	t.Parallel()
	var order []int
	errBoom := errors.New("boom")
	err := closeAll([]func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return errBoom },
	})
	if !errors.Is(err, errBoom) {
		t.Errorf("closeAll = %v", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("order = %v, want [2 1]", order)
	}
}
