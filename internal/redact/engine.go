package redact

import "sync"

// Engine holds the live redaction policy and restricted words for a capture
// session. Updates take effect on the next call; nothing is cached.
type Engine struct {
	mu    sync.RWMutex
	cfg   Config
	words WordSet
}

// NewEngine returns an engine with the given policy and words.
func NewEngine(cfg Config, words WordSet) *Engine {
	return &Engine{cfg: cfg.Normalize(), words: words}
}

// SetConfig replaces the policy.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.Normalize()
	e.mu.Unlock()
}

// SetWords replaces the restricted words. The engine takes ownership of words.
func (e *Engine) SetWords(words WordSet) {
	e.mu.Lock()
	e.words = words
	e.mu.Unlock()
}

// Config returns the current policy.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Apply redacts text with the current policy and returns the number of
// rewritten tokens.
func (e *Engine) Apply(text string) (string, int) {
	e.mu.RLock()
	cfg, words := e.cfg, e.words
	e.mu.RUnlock()
	return ApplyCount(text, words, cfg)
}

// Preview renders sample with cfg against the engine's current words without
// changing the engine's policy.
func (e *Engine) Preview(sample string, cfg Config) string {
	e.mu.RLock()
	words := e.words
	e.mu.RUnlock()
	return Preview(sample, words, cfg)
}
