// Package app wires all captionist subsystems into a running application.
//
// The App struct owns the full lifecycle: New loads the settings document and
// vocabulary, opens the profile store and the shared caption sinks, Run serves
// the HTTP API (and autostarts capture when asked to), and Shutdown tears
// everything down in reverse order.
//
// Capture sessions are created per start by a [SessionManager] from the
// settings current at that moment, either on request or by the weekly show
// schedule. Settings that can change under a running session (redaction,
// restricted words, vocabulary, filter, punctuation) are applied to it live
// when the settings document is edited.
//
// For testing, inject doubles via functional options and register mock
// engines and sources in the [config.Registry] passed through [Providers].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/captionist/internal/config"
	"github.com/MrWong99/captionist/internal/filter"
	"github.com/MrWong99/captionist/internal/health"
	"github.com/MrWong99/captionist/internal/observe"
	"github.com/MrWong99/captionist/internal/profile"
	"github.com/MrWong99/captionist/internal/punctuate"
	"github.com/MrWong99/captionist/internal/redact"
	"github.com/MrWong99/captionist/internal/schedule"
	"github.com/MrWong99/captionist/internal/session"
	"github.com/MrWong99/captionist/internal/settings"
	"github.com/MrWong99/captionist/internal/sink"
	"github.com/MrWong99/captionist/internal/startup"
	"github.com/MrWong99/captionist/internal/vocab"
	"github.com/MrWong99/captionist/pkg/audio"
	"github.com/MrWong99/captionist/pkg/provider/stt"
)

// engineFormat is the audio format handed to every engine.
var engineFormat = audio.Format{SampleRate: 16000, Channels: 1}

// App owns all subsystem lifetimes and orchestrates the captioning pipeline.
type App struct {
	cfg        *config.Config
	configPath string
	providers  *Providers
	startup    startup.Options
	logLevel   *slog.LevelVar

	settingsMu sync.RWMutex
	settings   *settings.Settings
	words      redact.WordSet

	vocab    *vocab.Manager
	stores   *Stores
	profiles profile.Store
	enhancer filter.EnhancerLoader
	metrics  *observe.Metrics

	// Shared sinks survive individual sessions.
	display *sink.Display
	feed    *sink.Feed
	nats    *sink.NATS
	extra   []sink.Sink

	sessions *SessionManager
	shows    *schedule.Scheduler
	now      func() time.Time
	health   *health.Handler
	handler  http.Handler
	server   *http.Server

	settingsWatcher *config.Watcher[*settings.Settings]
	configWatcher   *config.Watcher[*config.Config]

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStartup applies the command-line modifiers.
func WithStartup(o startup.Options) Option {
	return func(a *App) { a.startup = o }
}

// WithConfigPath enables hot reload of the deployment config at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLogLevel lets config reloads change the level of the caller's logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithSettings injects a settings document instead of loading one. It is
// watched only when it has a path.
func WithSettings(st *settings.Settings) Option {
	return func(a *App) { a.settings = st }
}

// WithProfileStore injects a profile store instead of opening the
// configured backend.
func WithProfileStore(s profile.Store) Option {
	return func(a *App) { a.profiles = s }
}

// WithEnhancer sets the loader for the enhancement filter. Without one,
// enabling enhancement falls back to the noise gate.
func WithEnhancer(l filter.EnhancerLoader) Option {
	return func(a *App) { a.enhancer = l }
}

// WithMetrics injects the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock sets the clock the show schedule reads. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithSinks adds sinks that receive every session's captions.
func WithSinks(sinks ...sink.Sink) Option {
	return func(a *App) { a.extra = append(a.extra, sinks...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go (populated via the config registry). Use Option functions to
// inject test doubles.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Registry == nil {
		return nil, errors.New("app: providers.Registry is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.logLevel == nil {
		a.logLevel = new(slog.LevelVar)
		a.logLevel.Set(ParseLevel(cfg.Server.LogLevel))
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.init(ctx); err != nil {
		if cerr := closeAll(a.closers); cerr != nil {
			slog.Warn("app: release after failed init", "err", cerr)
		}
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Settings document ─────────────────────────────────────────────
	if err := a.initSettings(); err != nil {
		return fmt.Errorf("app: init settings: %w", err)
	}

	// ── 2. Vocabulary + restricted words ─────────────────────────────────
	if err := a.initVocab(); err != nil {
		return fmt.Errorf("app: init vocabulary: %w", err)
	}
	a.words = a.loadWords(a.settings)

	// ── 3. Profile store + database ──────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		return fmt.Errorf("app: init stores: %w", err)
	}

	// ── 4. Shared sinks ──────────────────────────────────────────────────
	if err := a.initSinks(ctx); err != nil {
		return fmt.Errorf("app: init sinks: %w", err)
	}

	// ── 5. Sessions, show schedule, health, routes ───────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Plan:       a.planSession,
		ShowErrors: a.startup.ShowError,
	})
	a.shows = schedule.New(schedule.Config{
		Target: showTarget{a},
		Shows:  a.settings.Automations.Shows,
		Now:    a.now,
	})
	a.initHealth()
	a.handler = a.routes()

	// ── 6. Hot reload ────────────────────────────────────────────────────
	return a.initWatchers()
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSettings loads the settings document, writing the defaults when the
// file does not exist yet so that it can be edited and watched.
func (a *App) initSettings() error {
	if a.settings != nil {
		return a.settings.Validate()
	}
	path := a.startup.SettingsPath
	if path == "" {
		path = a.cfg.Paths.Settings
	}
	st, err := settings.Load(path)
	if err != nil {
		return err
	}
	if err := st.Validate(); err != nil {
		return err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := st.Save(path); err != nil {
			return err
		}
		slog.Info("wrote default settings", "path", path)
	}
	a.settings = st
	return nil
}

// initVocab opens the vocabulary document. A vocabulary embedded in the
// settings document replaces it, which is how a settings file moved from
// another machine brings its vocabulary along.
func (a *App) initVocab() error {
	var opts []vocab.Option
	if dir := a.settings.CustomVocabDataDir; dir != "" {
		opts = append(opts, vocab.WithDataDir(dir))
	}
	m, err := vocab.Open(a.cfg.Paths.Vocab, opts...)
	if err != nil {
		return err
	}
	for _, c := range m.Conflicts() {
		slog.Warn("vocabulary collision skipped", "err", c)
	}
	a.vocab = m
	if len(a.settings.CustomVocab) > 0 {
		if err := a.settings.RestoreVocab(m); err != nil {
			a.report("import vocabulary from settings", err)
		}
	}
	return nil
}

// loadWords reads the restricted word list named by st. A missing or
// unreadable list leaves redaction with no words.
func (a *App) loadWords(st *settings.Settings) redact.WordSet {
	if st.BadWords == "" {
		return redact.NewWordSet()
	}
	words, err := redact.LoadWordSet(st.BadWords)
	if err != nil {
		a.report("import restricted words", err, "path", st.BadWords)
		return redact.NewWordSet()
	}
	slog.Debug("loaded restricted words", "path", st.BadWords, "count", words.Len())
	return words
}

func (a *App) initStores(ctx context.Context) error {
	if a.profiles != nil && a.cfg.Sinks.PostgresDSN == "" {
		return nil
	}
	dims := 0
	if a.providers.Embeddings != nil {
		dims = a.providers.Embeddings.Dimensions()
	}
	stores, err := OpenStores(ctx, a.cfg, dims)
	if err != nil {
		return err
	}
	a.stores = stores
	a.closers = append(a.closers, stores.Close)
	if a.profiles == nil {
		a.profiles = stores.Profiles
	}
	return nil
}

func (a *App) initSinks(ctx context.Context) error {
	a.display = sink.NewDisplay(sink.DefaultDisplayCapacity)

	if a.cfg.Sinks.Feed.Enabled {
		a.feed = sink.NewFeed(sink.WithOriginPatterns(a.cfg.Sinks.Feed.OriginPatterns...))
		a.closers = append(a.closers, a.feed.Close)
	}

	if n := a.cfg.Sinks.NATS; n.URL != "" {
		pub, err := sink.ConnectNATS(ctx, n.URL, n.Subject, sink.WithPartials(n.Partials))
		if err != nil {
			return err
		}
		a.nats = pub
		a.closers = append(a.closers, pub.Close)
	}
	return nil
}

func (a *App) initHealth() {
	a.health = health.New(
		health.Engine(a.sessions.Demo, a.cfg.Server.AllowDemo),
		health.Degraded("serial", a.sessions),
	)
	if a.nats != nil {
		a.health.Add(health.Connected("nats", a.nats))
	}
	if a.stores != nil && a.stores.Postgres != nil {
		a.health.Add(health.Ping("postgres", a.stores.Postgres))
	}
}

func (a *App) initWatchers() error {
	interval := config.WithInterval(a.cfg.Paths.ReloadInterval)
	if path := a.settings.Path(); path != "" {
		w, err := config.NewWatcher(path, settings.DecodeValid, a.onSettingsChange, interval)
		if err != nil {
			return fmt.Errorf("app: watch settings: %w", err)
		}
		a.settingsWatcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, config.Decode, a.onConfigChange, interval)
		if err != nil {
			return fmt.Errorf("app: watch config: %w", err)
		}
		a.configWatcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}
	return nil
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Display returns the transcript view shared by all sessions.
func (a *App) Display() *sink.Display { return a.display }

// Settings returns a copy of the current settings document.
func (a *App) Settings() *settings.Settings {
	a.settingsMu.RLock()
	defer a.settingsMu.RUnlock()
	return a.settings.Clone()
}

// Vocabulary returns the vocabulary manager.
func (a *App) Vocabulary() *vocab.Manager { return a.vocab }

// planSession builds the pipeline for one session from the current
// settings.
func (a *App) planSession(ctx context.Context, id string) (Plan, error) {
	a.settingsMu.RLock()
	st := a.settings.Clone()
	words := a.words
	a.settingsMu.RUnlock()

	src, err := buildSource(a.providers.Registry, a.cfg.Capture, st)
	if err != nil {
		return Plan{}, err
	}

	var plan Plan
	eng := buildEngine(a.providers.Registry, a.cfg.Providers, st, a.metrics, a.report)
	plan.Closers = append(plan.Closers, eng.closers...)

	redaction, err := st.RedactionConfig()
	if err != nil {
		redaction = redact.DefaultConfig()
	}
	punct, err := punctuate.Parse(st.Punctuator)
	if err != nil {
		slog.Warn("punctuator unavailable", "punctuator", st.Punctuator, "err", err)
	}

	sinks := a.sharedSinks()
	if path := a.cfg.Sinks.File; path != "" {
		f, err := sink.OpenFile(path)
		if err != nil {
			slog.Warn("transcript file unavailable", "path", path, "err", err)
		} else {
			sinks = append(sinks, f)
		}
	}
	if st.SerialEnabled {
		s, err := sink.OpenSerial(st.SerialPort, st.Baud)
		if err != nil {
			slog.Warn("serial port unavailable", "port", st.SerialPort, "err", err)
		} else {
			sinks = append(sinks, s)
			plan.Serial = s
			if st.SerialAutoReset {
				r := sink.NewReconnector(sink.ReconnectorConfig{Target: s, Name: st.SerialPort})
				r.Monitor(ctx)
				plan.Closers = append(plan.Closers, func() error { r.Stop(); return nil })
			}
		}
	}

	plan.Config = session.Config{
		ID:         id,
		Source:     src,
		Engine:     eng.provider,
		EngineName: eng.name,
		Stream: stt.StreamConfig{
			SampleRate: engineFormat.SampleRate,
			Channels:   engineFormat.Channels,
			Language:   a.cfg.Capture.Language,
		},
		BusCapacity: a.cfg.Capture.BusCapacity,
		Filter:      a.newFilter(st),
		Vocabulary:  a.vocab.Entries(),
		Redaction:   redaction,
		Words:       words,
		Punctuator:  punct,
		Sinks:       sink.NewFanout(sinks, sink.WithMetrics(a.metrics)),
		Speakers:    a.newSpeakers(st),
		Metrics:     a.metrics,
	}
	return plan, nil
}

// sharedSinks returns the sinks that outlive a session, wrapped so the
// session's fanout does not close them.
func (a *App) sharedSinks() []sink.Sink {
	out := []sink.Sink{sink.Shared(a.display)}
	if a.feed != nil {
		out = append(out, sink.Shared(a.feed))
	}
	if a.nats != nil {
		out = append(out, sink.Shared(a.nats))
	}
	if a.stores != nil && a.stores.Postgres != nil {
		out = append(out, sink.Shared(a.stores.Postgres.Archive()))
	}
	for _, s := range a.extra {
		out = append(out, sink.Shared(s))
	}
	return out
}

// newFilter builds the filter stage. Enhancement, when enabled, falls back
// to the noise gate if its model cannot be loaded.
func (a *App) newFilter(st *settings.Settings) *filter.Stage {
	stage := filter.NewStage(
		filter.WithEnhancementCapability(a.cfg.Filter.Enhancement),
		filter.WithGate(a.newGate(st)),
	)
	if st.EnhancementEnabled {
		if _, err := stage.InstallEnhancement(a.enhancer, st.EnhancementModel); err != nil {
			a.report("enhancement unavailable", err)
		}
	}
	return stage
}

func (a *App) newGate(st *settings.Settings) *filter.NoiseGate {
	opts := []filter.GateOption{filter.WithThreshold(st.NoiseGateThreshold)}
	if d := a.cfg.Filter.GateAttack; d > 0 {
		opts = append(opts, filter.WithAttack(d))
	}
	if d := a.cfg.Filter.GateRelease; d > 0 {
		opts = append(opts, filter.WithRelease(d))
	}
	if f := a.cfg.Filter.GateFloor; f != nil {
		opts = append(opts, filter.WithFloor(*f))
	}
	return filter.NewNoiseGate(opts...)
}

// newSpeakers returns nil unless profile matching is enabled and possible.
func (a *App) newSpeakers(st *settings.Settings) *session.Speakers {
	if !st.ProfileMatching {
		return nil
	}
	if a.providers.Embeddings == nil || a.profiles == nil {
		slog.Warn("profile matching enabled but no embedding extractor or profile store is configured")
		return nil
	}
	matcher := profile.NewMatcher(a.profiles, profile.WithMatchObserver(func(d time.Duration) {
		a.metrics.ProfileMatchDuration.Record(context.Background(), d.Seconds())
	}))
	return session.NewSpeakers(a.providers.Embeddings, matcher, st.ProfileThreshold, a.cfg.Profiles.Window, engineFormat)
}

// report logs an engine or import failure at error level when errors are
// shown and at debug level otherwise.
func (a *App) report(msg string, err error, args ...any) {
	args = append(args, "err", err)
	if a.startup.ShowError {
		slog.Error(msg, args...)
		return
	}
	slog.Debug(msg, args...)
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// onSettingsChange applies an edited settings document. Redaction,
// restricted words, vocabulary, filter and punctuation changes reach the
// running session at once, and a new timetable reaches the show schedule;
// the rest takes effect on the next session.
func (a *App) onSettingsChange(prev, next *settings.Settings) {
	changed := settings.Diff(prev, next)
	if len(changed) == 0 {
		return
	}
	slog.Info("settings reloaded", "changed", changed)

	words := a.loadWords(next)
	a.settingsMu.Lock()
	a.settings = next
	a.words = words
	a.settingsMu.Unlock()

	has := func(keys ...string) bool {
		for _, k := range keys {
			for _, c := range changed {
				if c == k {
					return true
				}
			}
		}
		return false
	}

	if has("custom_vocab", "custom_vocab_samples") {
		if err := next.RestoreVocab(a.vocab); err != nil {
			a.report("import vocabulary from settings", err)
		}
	}
	redaction, redactErr := next.RedactionConfig()
	punct, punctErr := punctuate.Parse(next.Punctuator)
	if has("automations") {
		a.shows.SetShows(next.Automations.Shows)
	}

	a.sessions.Apply(func(s *session.Session) {
		if has("bleep_mode", "bleep_custom_text", "bleep_mask_char") && redactErr == nil {
			s.SetRedaction(redaction)
		}
		if has("bad_words") {
			s.SetWords(words)
		}
		if has("custom_vocab", "custom_vocab_samples") {
			if err := s.SetVocabulary(a.vocab.Entries()); err != nil {
				slog.Warn("apply vocabulary to session", "err", err)
			}
		}
		if has("enhancement_enabled", "enhancement_model", "noise_gate_threshold") {
			a.applyFilter(s.Filter(), next)
		}
		if has("punctuator") && punctErr == nil {
			s.SetPunctuator(punct)
		}
	})

	if has("model_path", "audio_device", "cpu_threads", "serial_enabled", "serial_port", "serial_auto_reset", "baud", "profile_matching", "profile_threshold") && a.sessions.IsActive() {
		slog.Info("capture settings changed; they take effect on the next session")
	}
}

// applyFilter reconfigures a running session's filter stage.
func (a *App) applyFilter(stage *filter.Stage, st *settings.Settings) {
	if !st.EnhancementEnabled {
		stage.Uninstall()
		return
	}
	stage.SetGate(a.newGate(st))
	if _, err := stage.InstallEnhancement(a.enhancer, st.EnhancementModel); err != nil {
		a.report("enhancement unavailable", err)
	}
}

// onConfigChange applies the log level live and reports the rest.
func (a *App) onConfigChange(old, next *config.Config) {
	d := config.Diff(old, next)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged {
		a.logLevel.Set(ParseLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RestartRequired {
		slog.Warn("server or path settings changed; restart to apply")
	}
	if d.ProvidersChanged || d.CaptureChanged || d.SinksChanged || d.ProfilesChanged || d.FilterChanged {
		slog.Warn("config changed; restart to apply",
			"providers", d.ProvidersChanged,
			"capture", d.CaptureChanged,
			"sinks", d.SinksChanged,
			"profiles", d.ProfilesChanged,
			"filter", d.FilterChanged,
		)
	}
}

// ParseLevel maps a config log level to a slog level.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run autostarts capture when requested, follows the show schedule and
// serves the HTTP API until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.autostart(ctx)
	a.shows.Run(ctx)

	if a.cfg.Server.ListenAddr == "" {
		<-ctx.Done()
		return nil
	}

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	slog.Info("http server listening", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	}
}

// autostart begins capture when the -autostart modifier was given and the
// model path validates.
func (a *App) autostart(ctx context.Context) {
	if !a.startup.Autostart {
		return
	}
	if err := a.Settings().ValidateModelPath(); err != nil {
		a.report("autostart skipped", err)
		return
	}
	if _, err := a.sessions.Start(ctx); err != nil {
		slog.Error("autostart failed", "err", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session, the HTTP server and every subsystem
// in reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.shows.Stop()

		if a.sessions.IsActive() {
			if _, err := a.sessions.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
				slog.Warn("session stop error", "err", err)
			}
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
