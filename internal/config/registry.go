package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/captionist/pkg/audio"
	"github.com/MrWong99/captionist/pkg/provider/embeddings"
	"github.com/MrWong99/captionist/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by the Create methods for a name no
// factory was registered under.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories is one kind of named constructor. A later registration under
// the same name replaces the earlier one.
type factories[C, V any] struct {
	kind string
	mu   sync.RWMutex
	byID map[string]func(C) (V, error)
}

func (f *factories[C, V]) register(name string, fn func(C) (V, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byID == nil {
		f.byID = make(map[string]func(C) (V, error))
	}
	f.byID[name] = fn
}

func (f *factories[C, V]) create(name string, cfg C) (V, error) {
	f.mu.RLock()
	fn, ok := f.byID[name]
	f.mu.RUnlock()
	if !ok {
		var zero V
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, name)
	}
	return fn(cfg)
}

func (f *factories[C, V]) names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Sorted(maps.Keys(f.byID))
}

// Registry maps the names used in the config file to engine, extractor and
// capture source constructors. It is safe for concurrent use.
type Registry struct {
	stt        factories[ProviderEntry, stt.Provider]
	embeddings factories[ProviderEntry, embeddings.Extractor]
	sources    factories[CaptureConfig, audio.Source]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.stt.kind, r.embeddings.kind, r.sources.kind = "stt", "embeddings", "source"
	return r
}

func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.stt.register(name, factory)
}

func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Extractor, error)) {
	r.embeddings.register(name, factory)
}

func (r *Registry) RegisterSource(name string, factory func(CaptureConfig) (audio.Source, error)) {
	r.sources.register(name, factory)
}

// CreateSTT builds the engine registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return r.stt.create(entry.Name, entry)
}

// CreateEmbeddings builds the extractor registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Extractor, error) {
	return r.embeddings.create(entry.Name, entry)
}

// CreateSource builds the capture source registered under cfg.Source.
func (r *Registry) CreateSource(cfg CaptureConfig) (audio.Source, error) {
	return r.sources.create(cfg.Source, cfg)
}

// Names returns the sorted names registered for kind: "stt", "embeddings"
// or "source".
func (r *Registry) Names(kind string) []string {
	switch kind {
	case "stt":
		return r.stt.names()
	case "embeddings":
		return r.embeddings.names()
	case "source":
		return r.sources.names()
	}
	return nil
}
