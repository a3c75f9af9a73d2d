package enginepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tonefield/jamroom/internal/catalog"
	"github.com/tonefield/jamroom/internal/observe"
	"github.com/tonefield/jamroom/internal/prefs"
	"github.com/tonefield/jamroom/pkg/audio"
	"github.com/tonefield/jamroom/pkg/instrument"
)

// defaultLoadTimeout bounds a single construction attempt. A SoundFont that
// takes longer than this is treated as failed and the fallback walk moves on.
const defaultLoadTimeout = 30 * time.Second

var (
	// ErrInstrumentUnavailable is the terminal load error: neither the
	// requested instrument nor any fallback candidate in its catalog could
	// be constructed.
	ErrInstrumentUnavailable = errors.New("enginepool: instrument unavailable")

	// ErrClosed is returned for loads requested after the coordinator shut down.
	ErrClosed = errors.New("enginepool: closed")
)

// Factory constructs cold engines. Construction must be cheap and must not
// touch the audio device — all loading happens in [instrument.Engine.Initialize].
type Factory interface {
	New(name string, category instrument.Category) instrument.Engine
}

// FactoryFunc adapts a function to the [Factory] interface.
type FactoryFunc func(name string, category instrument.Category) instrument.Engine

// New implements [Factory].
func (f FactoryFunc) New(name string, category instrument.Category) instrument.Engine {
	return f(name, category)
}

// FallbackEvent describes one instrument substitution: Requested failed to
// load and Substitute is sounding in its place.
type FallbackEvent struct {
	Participant string
	Requested   string
	Substitute  string
	Category    instrument.Category
}

// BuildResult is the tagged outcome of one settled load, shared by every
// requester of the same key.
//
// On success Engine is ready and pooled under Key. Instrument names what was
// actually constructed; it differs from Key.Instrument when the fallback
// resolver substituted. On failure Engine is nil and Err explains why — an
// exhausted catalog wraps [ErrInstrumentUnavailable], an unusable audio
// device wraps [audio.ErrUnavailable].
type BuildResult struct {
	Key         Key
	Engine      instrument.Engine
	Instrument  string
	Substituted bool
	Err         error
}

// Ready reports whether the load produced a playable engine.
func (r BuildResult) Ready() bool { return r.Err == nil }

// LoadState classifies what [Coordinator.EnsureLoading] found for a key.
type LoadState int

const (
	// LoadStarted means no engine and no ticket existed; a background
	// construction was launched.
	LoadStarted LoadState = iota

	// LoadInFlight means a construction for the key is already running.
	LoadInFlight

	// LoadReady means a constructed engine is already pooled under the key.
	LoadReady
)

// ticket is one in-flight construction. res is written before done is
// closed, so any goroutine that returns from <-done sees the result.
type ticket struct {
	done chan struct{}
	res  BuildResult
}

// CoordinatorConfig carries the dependencies for [NewCoordinator].
type CoordinatorConfig struct {
	// Pool receives constructed engines. Required.
	Pool *Pool

	// Audio is the shared audio context engines attach to. Required.
	Audio *audio.Context

	// Factory constructs cold engines. Required.
	Factory Factory

	// Catalogs supplies the per-category fallback order. Required.
	Catalogs *catalog.Set

	// Quality aligns fresh engines with the session's current quality mode.
	// Optional.
	Quality *Adapter

	// Prefs persists the last working selection per participant and restores
	// parameters on rebuild. Optional.
	Prefs prefs.Store

	// LoadTimeout bounds one construction attempt. Zero means the default
	// of 30 seconds.
	LoadTimeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Coordinator serialises engine construction. At most one build runs per
// [Key]; requesters arriving while a build is in flight share its outcome.
// Failed instruments are substituted by walking the key's catalog forward,
// wrapping once, before giving up with [ErrInstrumentUnavailable].
type Coordinator struct {
	pool        *Pool
	audio       *audio.Context
	factory     Factory
	catalogs    *catalog.Set
	quality     *Adapter
	prefs       prefs.Store
	metrics     *observe.Metrics
	log         *slog.Logger
	loadTimeout time.Duration

	// rootCtx parents every build so background loads survive their
	// requester but die with the coordinator.
	rootCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	tickets  map[Key]*ticket
	handlers []func(FallbackEvent)
	closed   bool
}

// NewCoordinator validates cfg and returns a ready coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Pool == nil {
		return nil, errors.New("enginepool: coordinator config missing pool")
	}
	if cfg.Audio == nil {
		return nil, errors.New("enginepool: coordinator config missing audio context")
	}
	if cfg.Factory == nil {
		return nil, errors.New("enginepool: coordinator config missing factory")
	}
	if cfg.Catalogs == nil {
		return nil, errors.New("enginepool: coordinator config missing catalogs")
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		pool:        cfg.Pool,
		audio:       cfg.Audio,
		factory:     cfg.Factory,
		catalogs:    cfg.Catalogs,
		quality:     cfg.Quality,
		prefs:       cfg.Prefs,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		loadTimeout: cfg.LoadTimeout,
		rootCtx:     ctx,
		stop:        stop,
		tickets:     make(map[Key]*ticket),
	}, nil
}

// OnFallback registers fn to be called once per instrument substitution.
// Handlers run on the build goroutine and must not block.
func (c *Coordinator) OnFallback(fn func(FallbackEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// InFlight returns the number of constructions currently running.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickets)
}

// Load returns key's engine, constructing it if necessary. It blocks until
// the construction settles or ctx expires; an abandoned construction keeps
// running and lands in the pool for later requesters.
func (c *Coordinator) Load(ctx context.Context, key Key, local bool) BuildResult {
	t, err := c.ticketFor(key, local)
	if err != nil {
		return BuildResult{Key: key, Err: err}
	}
	select {
	case <-t.done:
		return t.res
	case <-ctx.Done():
		return BuildResult{Key: key, Err: ctx.Err()}
	}
}

// EnsureLoading guarantees that a remote engine for key either exists, is
// being built, or starts building now — without ever blocking. The returned
// state tells the caller which of the three it found.
func (c *Coordinator) EnsureLoading(key Key) LoadState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return LoadInFlight
	}
	if _, ok := c.tickets[key]; ok {
		return LoadInFlight
	}
	if _, ok := c.pool.Remote(key); ok {
		return LoadReady
	}
	t := &ticket{done: make(chan struct{})}
	c.tickets[key] = t
	go c.build(t, key, false)
	return LoadStarted
}

// ticketFor returns the in-flight ticket for key, creating one (and starting
// its build) when none exists.
func (c *Coordinator) ticketFor(key Key, local bool) (*ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if t, ok := c.tickets[key]; ok {
		return t, nil
	}
	t := &ticket{done: make(chan struct{})}
	c.tickets[key] = t
	go c.build(t, key, local)
	return t, nil
}

// build runs one construction to completion and settles the ticket. The
// ticket leaves the map before done is closed, so a requester arriving after
// settlement starts a fresh load instead of latching onto a dead one.
func (c *Coordinator) build(t *ticket, key Key, local bool) {
	start := time.Now()
	ctx, span := observe.StartSpan(c.rootCtx, "engine.load", trace.WithAttributes(
		observe.Attr("participant", key.Participant),
		observe.Attr("category", string(key.Category)),
		observe.Attr("instrument", key.Instrument),
	))

	res := c.construct(ctx, key, local)

	status := "ok"
	switch {
	case res.Err != nil:
		status = "unavailable"
		c.log.Warn("engine load failed",
			"key", key.String(),
			"err", res.Err,
		)
	case res.Substituted:
		status = "fallback"
	}
	if res.Err == nil {
		c.log.Info("engine ready",
			"key", key.String(),
			"instrument", res.Instrument,
			"substituted", res.Substituted,
			"duration", time.Since(start),
		)
	}
	c.metrics.RecordEngineLoad(ctx, string(key.Category), status, time.Since(start).Seconds())
	span.End()

	// Settle: result first, then removal, then notification. Anyone who saw
	// the ticket in the map either finds it again after waking or finds the
	// engine in the pool.
	t.res = res
	c.mu.Lock()
	delete(c.tickets, key)
	c.mu.Unlock()
	close(t.done)
}

// construct disposes whatever engine key displaces, then walks the catalog
// until an instrument loads or every candidate has been tried.
func (c *Coordinator) construct(ctx context.Context, key Key, local bool) BuildResult {
	c.disposeDisplaced(ctx, key, local)

	cat, ok := c.catalogs.Get(key.Category)
	if !ok {
		return BuildResult{Key: key, Err: fmt.Errorf("enginepool: no catalog for category %q", key.Category)}
	}

	stored := c.storedPreference(ctx, key.Participant)

	requested := key.Instrument
	failed := make(map[string]bool)
	name := requested

	var eng instrument.Engine
	var lastErr error
	for {
		cold := c.factory.New(name, key.Category)
		attemptCtx, cancel := context.WithTimeout(c.rootCtx, c.loadTimeout)
		err := cold.Initialize(attemptCtx, c.audio)
		cancel()
		if err == nil {
			eng = cold
			break
		}
		lastErr = err
		if dispErr := cold.Dispose(); dispErr != nil {
			c.log.Warn("failed engine dispose", "instrument", name, "err", dispErr)
		}
		c.log.Warn("engine construction failed",
			"key", key.String(),
			"instrument", name,
			"err", err,
		)

		// A dead audio device or a closing coordinator fails every
		// candidate the same way; stop the walk instead of burning
		// through the catalog.
		if errors.Is(err, audio.ErrUnavailable) || c.rootCtx.Err() != nil {
			return BuildResult{Key: key, Err: err}
		}

		failed[name] = true
		next, ok := cat.NextAfter(name, func(n string) bool { return failed[n] })
		if !ok {
			return BuildResult{
				Key: key,
				Err: fmt.Errorf("%w: category %s, requested %q: %w",
					ErrInstrumentUnavailable, key.Category, requested, lastErr),
			}
		}
		name = next
	}

	substituted := name != requested

	// Replay persisted parameters when the participant comes back to the
	// same instrument.
	if stored != nil && stored.Instrument == name && stored.Category == key.Category {
		if err := eng.UpdateParams(stored.Params.Patch()); err != nil {
			c.log.Warn("preference restore failed", "key", key.String(), "err", err)
		}
	}

	if local {
		c.pool.PutLocal(key, eng)
	} else {
		c.pool.PutRemote(key, eng)
	}
	c.metrics.ActiveEngines.Add(ctx, 1)

	// Align the fresh engine with the session's quality mode after it is
	// visible in the pool: a transition racing this build either sees the
	// engine in its fan-out or is caught here, and both paths are idempotent.
	if c.quality != nil {
		c.quality.Apply(eng)
	}

	if substituted {
		c.metrics.RecordFallback(ctx, string(key.Category))
		c.log.Info("instrument substituted",
			"key", key.String(),
			"substitute", name,
		)
		c.dispatchFallback(FallbackEvent{
			Participant: key.Participant,
			Requested:   requested,
			Substitute:  name,
			Category:    key.Category,
		})
	}

	c.persistPreference(ctx, key, name, eng)

	return BuildResult{Key: key, Engine: eng, Instrument: name, Substituted: substituted}
}

// disposeDisplaced removes and disposes the engine the new build replaces:
// the whole local slot for a local build, the exact key for a remote one.
// Disposal completes before the replacement's Initialize begins.
func (c *Coordinator) disposeDisplaced(ctx context.Context, key Key, local bool) {
	var (
		old    instrument.Engine
		oldKey Key
		found  bool
	)
	if local {
		oldKey, old, found = c.pool.TakeLocal()
	} else {
		old, found = c.pool.TakeRemote(key)
		oldKey = key
	}
	if !found {
		return
	}
	if err := old.Dispose(); err != nil {
		c.log.Warn("displaced engine dispose failed", "key", oldKey.String(), "err", err)
	}
	c.metrics.ActiveEngines.Add(ctx, -1)
}

// storedPreference fetches the participant's persisted record, or nil.
func (c *Coordinator) storedPreference(ctx context.Context, participant string) *prefs.Record {
	if c.prefs == nil {
		return nil
	}
	rec, err := c.prefs.Get(ctx, participant)
	if err != nil {
		if !errors.Is(err, prefs.ErrNotFound) {
			c.log.Warn("preference lookup failed", "participant", participant, "err", err)
		}
		return nil
	}
	return &rec
}

// persistPreference records the instrument that actually loaded so the next
// session starts from a selection known to work.
func (c *Coordinator) persistPreference(ctx context.Context, key Key, name string, eng instrument.Engine) {
	if c.prefs == nil {
		return
	}
	rec := prefs.Record{
		Participant: key.Participant,
		Instrument:  name,
		Category:    key.Category,
		Params:      eng.Params(),
	}
	if err := c.prefs.Put(ctx, rec); err != nil {
		c.log.Warn("preference write failed", "participant", key.Participant, "err", err)
	}
}

// dispatchFallback invokes the registered handlers with a snapshot taken
// under the lock.
func (c *Coordinator) dispatchFallback(ev FallbackEvent) {
	c.mu.Lock()
	handlers := make([]func(FallbackEvent), len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// Close aborts in-flight constructions and waits for them to settle. Loads
// requested afterwards fail with [ErrClosed]. Safe to call more than once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := make([]*ticket, 0, len(c.tickets))
	for _, t := range c.tickets {
		pending = append(pending, t)
	}
	c.mu.Unlock()

	c.stop()
	for _, t := range pending {
		<-t.done
	}
}
