// Package app wires all jamroom subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in reverse order.
//
// For testing, inject mock implementations via functional options
// (WithAudioDriver, WithEngineFactory, etc.). When an option is not
// provided, New creates real implementations from the config.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tonefield/jamroom/internal/catalog"
	"github.com/tonefield/jamroom/internal/config"
	"github.com/tonefield/jamroom/internal/enginepool"
	"github.com/tonefield/jamroom/internal/gateway"
	"github.com/tonefield/jamroom/internal/health"
	"github.com/tonefield/jamroom/internal/midiin"
	"github.com/tonefield/jamroom/internal/observe"
	"github.com/tonefield/jamroom/internal/prefs"
	"github.com/tonefield/jamroom/internal/prefs/postgres"
	"github.com/tonefield/jamroom/pkg/audio"
	"github.com/tonefield/jamroom/pkg/audio/device"
	"github.com/tonefield/jamroom/pkg/instrument"
	"github.com/tonefield/jamroom/pkg/instrument/sampler"
	"github.com/tonefield/jamroom/pkg/instrument/synth"
)

const defaultListenAddr = ":8080"

// App owns all subsystem lifetimes and orchestrates the jam session server.
type App struct {
	cfg   *config.Config
	local string

	// Subsystems — initialised in New, torn down in Shutdown.
	store    prefs.Store
	pgStore  *postgres.Store
	catalogs *catalog.Set
	driver   audio.Driver
	actx     *audio.Context
	factory  enginepool.Factory
	router   *enginepool.Router
	gateway  *gateway.Server
	midi     *midiin.Input
	httpSrv  *http.Server
	metrics  *observe.Metrics

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithAudioDriver injects an audio driver instead of opening the platform
// device.
func WithAudioDriver(d audio.Driver) Option {
	return func(a *App) { a.driver = d }
}

// WithEngineFactory injects an engine factory instead of the built-in
// synth/sampler one.
func WithEngineFactory(f enginepool.Factory) Option {
	return func(a *App) { a.factory = f }
}

// WithPrefsStore injects a preference store instead of creating one from
// config.
func WithPrefsStore(s prefs.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics bundle instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: preference store connection,
// catalog assembly, audio context and router construction, gateway and MIDI
// wiring, and the HTTP mux. The audio device itself opens lazily on the first
// engine build.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.local = cfg.Session.LocalParticipant
	if a.local == "" {
		a.local = defaultParticipant()
	}

	// ── 1. Preference store ──────────────────────────────────────────────
	if err := a.initPrefs(ctx); err != nil {
		return nil, fmt.Errorf("app: init prefs: %w", err)
	}

	// ── 2. Instrument catalogs ───────────────────────────────────────────
	if err := a.initCatalogs(); err != nil {
		return nil, fmt.Errorf("app: init catalogs: %w", err)
	}

	// ── 3. Audio context ─────────────────────────────────────────────────
	a.initAudio()

	// ── 4. Engine factory ────────────────────────────────────────────────
	a.initFactory()

	// ── 5. Session router ────────────────────────────────────────────────
	if err := a.initRouter(); err != nil {
		return nil, fmt.Errorf("app: init router: %w", err)
	}

	// ── 6. WebSocket gateway ─────────────────────────────────────────────
	if err := a.initGateway(); err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}

	// ── 7. MIDI input ────────────────────────────────────────────────────
	if err := a.initMIDI(); err != nil {
		return nil, fmt.Errorf("app: init midi: %w", err)
	}

	// ── 8. HTTP server ───────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// defaultParticipant derives a participant name for hosts that leave
// session.local_participant unset.
func defaultParticipant() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "local"
	}
	return host
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initPrefs connects the PostgreSQL preference store, or falls back to the
// in-memory store when no DSN is configured.
func (a *App) initPrefs(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	dsn := a.cfg.Prefs.PostgresDSN
	if dsn == "" {
		a.store = prefs.NewMemory()
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.pgStore = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("connected preference store")
	return nil
}

// initCatalogs merges config overrides over the built-in per-category
// defaults.
func (a *App) initCatalogs() error {
	overrides := make(map[instrument.Category][]string, len(a.cfg.Catalogs))
	for _, c := range a.cfg.Catalogs {
		overrides[c.Category] = c.Instruments
	}
	set, err := catalog.NewSet(overrides)
	if err != nil {
		return err
	}
	a.catalogs = set
	return nil
}

// initAudio creates the shared audio context. The device opens on the first
// engine build, so a misconfigured sound stack surfaces as a load failure
// (and a failing readiness probe) rather than a crash at startup.
func (a *App) initAudio() {
	if a.driver == nil {
		a.driver = device.Driver{}
	}
	var opts []audio.Option
	if hz := a.cfg.Audio.SampleRate; hz != 0 {
		opts = append(opts, audio.WithSampleRate(hz))
	}
	if n := a.cfg.Audio.ChannelCount; n != 0 {
		opts = append(opts, audio.WithChannelCount(n))
	}
	if ms := a.cfg.Audio.BufferMillis; ms != 0 {
		opts = append(opts, audio.WithBufferLen(time.Duration(ms)*time.Millisecond))
	}
	a.actx = audio.NewContext(a.driver, opts...)
}

// initFactory builds the default engine factory: oscillator synths for the
// synth category, SoundFont renderers for samplers and drums.
func (a *App) initFactory() {
	if a.factory != nil {
		return
	}
	sf2 := a.cfg.Audio.SoundFont
	a.factory = enginepool.FactoryFunc(func(name string, category instrument.Category) instrument.Engine {
		if category == instrument.CategorySynth {
			return synth.New(name)
		}
		return sampler.New(name, category, sf2)
	})
}

// initRouter assembles the engine router from the session config. The router
// takes ownership of the audio context; its Cleanup closer releases both.
func (a *App) initRouter() error {
	ttl := a.cfg.Session.EngineIdleTTL
	if ttl == 0 {
		ttl = config.DefaultEngineIdleTTL
	}

	router, err := enginepool.NewRouter(enginepool.RouterConfig{
		LocalParticipant:   a.local,
		Audio:              a.actx,
		Factory:            a.factory,
		Catalogs:           a.catalogs,
		Prefs:              a.store,
		LoadTimeout:        a.cfg.Session.LoadTimeout,
		EngineIdleTTL:      ttl,
		SweepInterval:      a.cfg.Session.SweepInterval,
		PreloadParallelism: a.cfg.Session.PreloadParallelism,
		Metrics:            a.metrics,
	})
	if err != nil {
		return err
	}
	a.router = router
	a.closers = append(a.closers, router.Cleanup)
	return nil
}

// initGateway creates the WebSocket endpoint and hooks it to the router.
func (a *App) initGateway() error {
	gw, err := gateway.NewServer(gateway.Config{
		LocalParticipant: a.local,
		Router:           a.router,
		Catalogs:         a.catalogs,
		AllowedOrigins:   a.cfg.Server.AllowedOrigins,
		Metrics:          a.metrics,
	})
	if err != nil {
		return err
	}
	a.gateway = gw
	a.closers = append(a.closers, gw.Close)
	return nil
}

// initMIDI opens the hardware listener when configured. A failing MIDI
// driver is an error rather than a warning: the operator asked for it.
func (a *App) initMIDI() error {
	if !a.cfg.MIDI.Enabled {
		return nil
	}
	in, err := midiin.Open(midiin.Config{
		Router: a.router,
		Port:   a.cfg.MIDI.Port,
	})
	if err != nil {
		return err
	}
	a.midi = in
	a.closers = append(a.closers, in.Close)
	return nil
}

// initHTTP assembles the mux: health probes, Prometheus metrics, and the
// WebSocket gateway, all behind the telemetry middleware.
func (a *App) initHTTP() {
	checkers := []health.Checker{
		health.AudioCheck(a.actx),
		health.SessionCheck(a.router),
	}
	if a.pgStore != nil {
		checkers = append(checkers, health.StoreCheck(a.pgStore))
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", a.gateway)

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	a.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler exposes the assembled HTTP handler. Tests serve it through
// httptest instead of binding the configured listen address.
func (a *App) Handler() http.Handler {
	return a.httpSrv.Handler
}

// LocalParticipant is the resolved name of the musician on this host.
func (a *App) LocalParticipant() string {
	return a.local
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the listener fails.
//
// When session.warm_start is set, Run first preloads the local participant's
// saved instrument so the first key press after a restart is warm.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Session.WarmStart {
		a.warmStart(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", a.httpSrv.Addr)
		err := a.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// warmStart preloads the local participant's last saved selection. Best
// effort: any failure leaves cold-start behaviour in place.
func (a *App) warmStart(ctx context.Context) {
	rec, err := a.store.Get(ctx, a.local)
	if err != nil {
		if !errors.Is(err, prefs.ErrNotFound) {
			slog.Warn("warm start: read preference", "participant", a.local, "err", err)
		}
		return
	}

	req := enginepool.PreloadRequest{
		Participant: rec.Participant,
		Instrument:  rec.Instrument,
		Category:    rec.Category,
	}
	if err := a.router.Preload(ctx, []enginepool.PreloadRequest{req}); err != nil {
		slog.Warn("warm start: preload", "instrument", rec.Instrument, "err", err)
		return
	}
	slog.Info("warm start: engine ready", "instrument", rec.Instrument, "category", rec.Category)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop accepting HTTP first. Hijacked WebSocket connections are
		// outside Shutdown's scope; the gateway closer handles those.
		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
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
