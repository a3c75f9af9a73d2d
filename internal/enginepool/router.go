package enginepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonefield/jamroom/internal/catalog"
	"github.com/tonefield/jamroom/internal/observe"
	"github.com/tonefield/jamroom/internal/prefs"
	"github.com/tonefield/jamroom/pkg/audio"
	"github.com/tonefield/jamroom/pkg/instrument"
)

const (
	defaultSweepInterval      = time.Minute
	defaultPreloadParallelism = 4
)

// ErrNoInstrument is returned by local operations before the participant has
// selected (or restored) an instrument.
var ErrNoInstrument = errors.New("enginepool: no instrument selected")

// PreloadRequest names one engine to construct ahead of its first note.
type PreloadRequest struct {
	Participant string
	Instrument  string
	Category    instrument.Category
}

// RouterConfig carries the dependencies for [NewRouter].
type RouterConfig struct {
	// LocalParticipant is the participant playing on this host. Required.
	LocalParticipant string

	// Audio is the shared audio context. The router assumes ownership: it is
	// closed by [Router.Cleanup]. Required.
	Audio *audio.Context

	// Factory constructs cold engines. Required.
	Factory Factory

	// Catalogs supplies the per-category fallback order. Required.
	Catalogs *catalog.Set

	// Prefs persists instrument selections across sessions. Optional.
	Prefs prefs.Store

	// LoadTimeout bounds one construction attempt. Zero means 30 seconds.
	LoadTimeout time.Duration

	// EngineIdleTTL evicts remote engines unused for this long. Zero or
	// negative disables eviction.
	EngineIdleTTL time.Duration

	// SweepInterval is how often idle eviction runs. Zero means one minute.
	SweepInterval time.Duration

	// PreloadParallelism caps concurrent constructions during [Router.Preload].
	// Zero means 4.
	PreloadParallelism int

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Router routes note events to pooled engines and is the only type callers
// outside this package need.
//
// Local operations belong to the participant on this host: they wait for
// engine construction, so the first key press after switching instruments
// sounds as soon as the engine is ready. Remote operations arrive over the
// network and must never stall the event loop: they either hit a ready
// engine or report the notes dropped while a background load warms one up.
type Router struct {
	local    string
	audio    *audio.Context
	pool     *Pool
	coord    *Coordinator
	quality  *Adapter
	prefs    prefs.Store
	metrics  *observe.Metrics
	log      *slog.Logger
	parallel int

	mu         sync.Mutex
	localKey   Key
	localBuilt string
	closed     bool

	sweepStop context.CancelFunc
	sweepDone chan struct{}
}

// NewRouter validates cfg, assembles the pool, quality adapter, and
// coordinator, and starts the idle eviction janitor when configured.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.LocalParticipant == "" {
		return nil, errors.New("enginepool: router config missing local participant")
	}
	if cfg.Audio == nil {
		return nil, errors.New("enginepool: router config missing audio context")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.PreloadParallelism <= 0 {
		cfg.PreloadParallelism = defaultPreloadParallelism
	}

	pool := NewPool()
	quality := NewAdapter(pool, cfg.Logger, cfg.Metrics)
	coord, err := NewCoordinator(CoordinatorConfig{
		Pool:        pool,
		Audio:       cfg.Audio,
		Factory:     cfg.Factory,
		Catalogs:    cfg.Catalogs,
		Quality:     quality,
		Prefs:       cfg.Prefs,
		LoadTimeout: cfg.LoadTimeout,
		Metrics:     cfg.Metrics,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	r := &Router{
		local:    cfg.LocalParticipant,
		audio:    cfg.Audio,
		pool:     pool,
		coord:    coord,
		quality:  quality,
		prefs:    cfg.Prefs,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		parallel: cfg.PreloadParallelism,
	}

	if cfg.EngineIdleTTL > 0 {
		ctx, stop := context.WithCancel(context.Background())
		r.sweepStop = stop
		r.sweepDone = make(chan struct{})
		go r.sweep(ctx, cfg.EngineIdleTTL, cfg.SweepInterval)
	}

	return r, nil
}

// sweep evicts idle remote engines until ctx is cancelled.
func (r *Router) sweep(ctx context.Context, ttl, interval time.Duration) {
	defer close(r.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, rm := range r.pool.SweepIdle(now, ttl) {
				r.disposeRemoved(ctx, rm, "idle")
			}
		}
	}
}

// disposeRemoved disposes an engine taken out of the pool and keeps the
// active-engine gauge honest.
func (r *Router) disposeRemoved(ctx context.Context, rm Removed, reason string) {
	if err := rm.Engine.Dispose(); err != nil {
		r.log.Warn("engine dispose failed", "key", rm.Key.String(), "reason", reason, "err", err)
	} else {
		r.log.Info("engine removed", "key", rm.Key.String(), "reason", reason)
	}
	r.metrics.ActiveEngines.Add(ctx, -1)
}

// OnFallback registers fn to be called once per instrument substitution,
// local and remote builds alike. Handlers run on the build goroutine and
// must not block.
func (r *Router) OnFallback(fn func(FallbackEvent)) {
	r.coord.OnFallback(fn)
}

// SetVoiceActivity feeds a voice-chat observation to the quality adapter.
func (r *Router) SetVoiceActivity(v VoiceActivity) {
	r.quality.Observe(v)
}

// QualityReduced reports whether reduced-quality rendering is in effect.
func (r *Router) QualityReduced() bool {
	return r.quality.Reduced()
}

// ─── Local operations ────────────────────────────────────────────────────────

// SetLocalInstrument selects the local participant's instrument and blocks
// until its engine is playable. On fallback substitution the selection
// sticks and the substitute plays behind it; the error is nil. The terminal
// failure is [ErrInstrumentUnavailable].
func (r *Router) SetLocalInstrument(ctx context.Context, name string, category instrument.Category) error {
	if name == "" {
		return errors.New("enginepool: empty instrument name")
	}
	if !category.IsValid() {
		return fmt.Errorf("enginepool: invalid category %q", category)
	}

	key := Key{Participant: r.local, Instrument: name, Category: category}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	built := r.localBuilt
	r.localKey = key
	r.mu.Unlock()

	// Same selection, engine already live, and it is genuinely the named
	// instrument: nothing to rebuild. A selection that settled on a
	// substitute is rebuilt instead, so re-picking the instrument retries
	// the real thing once it has had a chance to recover.
	if k, _, ok := r.pool.Local(); ok && k == key && built == name {
		return nil
	}

	res := r.coord.Load(ctx, key, true)
	if res.Err != nil {
		return res.Err
	}
	r.noteLocalBuilt(res.Instrument)
	return nil
}

// RestoreLocalInstrument loads the participant's persisted selection from
// the preference store. It reports false without error when nothing is
// stored.
func (r *Router) RestoreLocalInstrument(ctx context.Context) (bool, error) {
	if r.prefs == nil {
		return false, nil
	}
	rec, err := r.prefs.Get(ctx, r.local)
	if errors.Is(err, prefs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enginepool: restore selection: %w", err)
	}
	if err := r.SetLocalInstrument(ctx, rec.Instrument, rec.Category); err != nil {
		return false, err
	}
	return true, nil
}

// localSelection returns the current local key or the reason there is none.
func (r *Router) localSelection() (Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Key{}, ErrClosed
	}
	if r.localKey.IsZero() {
		return Key{}, ErrNoInstrument
	}
	return r.localKey, nil
}

// noteLocalBuilt records which instrument the live local engine actually
// renders, which may be a fallback substitute for the selected one.
func (r *Router) noteLocalBuilt(name string) {
	r.mu.Lock()
	r.localBuilt = name
	r.mu.Unlock()
}

// localEngine returns the ready engine for key, waiting on (or starting)
// construction as needed.
func (r *Router) localEngine(ctx context.Context, key Key) (instrument.Engine, error) {
	if k, eng, ok := r.pool.Local(); ok && k == key {
		return eng, nil
	}
	res := r.coord.Load(ctx, key, true)
	if res.Err != nil {
		return nil, res.Err
	}
	r.noteLocalBuilt(res.Instrument)
	return res.Engine, nil
}

// PlayLocal plays the local participant's notes, constructing their engine
// first when necessary. Load failures are returned; playback failures on a
// ready engine are logged and swallowed.
func (r *Router) PlayLocal(ctx context.Context, notes []instrument.Note, velocity float64, held bool) error {
	key, err := r.localSelection()
	if err != nil {
		return err
	}
	eng, err := r.localEngine(ctx, key)
	if err != nil {
		return err
	}
	if err := eng.PlayNotes(notes, velocity, held); err != nil {
		r.log.Warn("local playback failed", "key", key.String(), "err", err)
		return nil
	}
	r.metrics.RecordNotePlayed(ctx, "local")
	return nil
}

// StopLocal releases the local participant's notes, waiting for a pending
// construction the same way PlayLocal does.
func (r *Router) StopLocal(ctx context.Context, notes []instrument.Note) error {
	key, err := r.localSelection()
	if err != nil {
		return err
	}
	eng, err := r.localEngine(ctx, key)
	if err != nil {
		return err
	}
	if err := eng.StopNotes(notes); err != nil {
		r.log.Warn("local stop failed", "key", key.String(), "err", err)
	}
	return nil
}

// SetLocalSustain engages or releases the local sustain pedal.
func (r *Router) SetLocalSustain(ctx context.Context, on bool) error {
	key, err := r.localSelection()
	if err != nil {
		return err
	}
	eng, err := r.localEngine(ctx, key)
	if err != nil {
		return err
	}
	if err := eng.SetSustain(on); err != nil {
		r.log.Warn("local sustain failed", "key", key.String(), "err", err)
	}
	return nil
}

// UpdateLocalParams applies a parameter patch to the local engine and
// persists the resulting set. Validation errors from the engine are
// returned so the caller can surface them.
func (r *Router) UpdateLocalParams(ctx context.Context, patch instrument.ParamPatch) error {
	key, err := r.localSelection()
	if err != nil {
		return err
	}
	eng, err := r.localEngine(ctx, key)
	if err != nil {
		return err
	}
	if err := eng.UpdateParams(patch); err != nil {
		return err
	}
	r.mu.Lock()
	built := r.localBuilt
	r.mu.Unlock()
	r.persistParams(ctx, key, built, eng)
	return nil
}

// persistParams writes the engine's current parameters through the
// preference store, when one is configured. name is the instrument actually
// sounding, which differs from the selection after a fallback.
func (r *Router) persistParams(ctx context.Context, key Key, name string, eng instrument.Engine) {
	if r.prefs == nil {
		return
	}
	if name == "" {
		name = key.Instrument
	}
	rec := prefs.Record{
		Participant: key.Participant,
		Instrument:  name,
		Category:    key.Category,
		Params:      eng.Params(),
	}
	if err := r.prefs.Put(ctx, rec); err != nil {
		r.log.Warn("preference write failed", "participant", key.Participant, "err", err)
	}
}

// ─── Remote operations ───────────────────────────────────────────────────────

// PlayRemote delivers a remote participant's notes. It never blocks on
// construction: with the engine ready the notes play; otherwise they are
// dropped and, when no construction is running yet, exactly one background
// build is started so later notes land. The return value reports whether
// the notes reached an engine.
func (r *Router) PlayRemote(ctx context.Context, key Key, notes []instrument.Note, velocity float64, held bool) bool {
	if r.isClosed() {
		return false
	}
	for {
		if eng, ok := r.pool.Remote(key); ok {
			if err := eng.PlayNotes(notes, velocity, held); err != nil {
				r.log.Warn("remote playback failed", "key", key.String(), "err", err)
				return true
			}
			r.metrics.RecordNotePlayed(ctx, "remote")
			return true
		}
		switch r.coord.EnsureLoading(key) {
		case LoadReady:
			// Construction settled between the pool miss and the check;
			// take the engine path this time around.
			continue
		case LoadStarted:
			r.metrics.RecordNoteDropped(ctx, "missing")
			r.log.Debug("remote notes dropped", "key", key.String(), "reason", "missing")
		case LoadInFlight:
			r.metrics.RecordNoteDropped(ctx, "loading")
			r.log.Debug("remote notes dropped", "key", key.String(), "reason", "loading")
		}
		return false
	}
}

// StopRemote releases a remote participant's notes. With no engine for the
// key this is a no-op: releasing nothing needs no construction.
func (r *Router) StopRemote(key Key, notes []instrument.Note) {
	eng, ok := r.pool.Remote(key)
	if !ok {
		return
	}
	if err := eng.StopNotes(notes); err != nil {
		r.log.Warn("remote stop failed", "key", key.String(), "err", err)
	}
}

// SetRemoteSustain applies a remote sustain pedal change, a no-op when the
// key has no engine.
func (r *Router) SetRemoteSustain(key Key, on bool) {
	eng, ok := r.pool.Remote(key)
	if !ok {
		return
	}
	if err := eng.SetSustain(on); err != nil {
		r.log.Warn("remote sustain failed", "key", key.String(), "err", err)
	}
}

// UpdateRemoteParams routes a remote parameter patch like remote play: a
// ready engine applies it, otherwise the patch is dropped while a
// background build starts. The return value reports whether the patch was
// applied.
func (r *Router) UpdateRemoteParams(ctx context.Context, key Key, patch instrument.ParamPatch) bool {
	if r.isClosed() {
		return false
	}
	for {
		if eng, ok := r.pool.Remote(key); ok {
			if err := eng.UpdateParams(patch); err != nil {
				r.log.Warn("remote params rejected", "key", key.String(), "err", err)
				return false
			}
			return true
		}
		switch r.coord.EnsureLoading(key) {
		case LoadReady:
			continue
		case LoadStarted:
			r.metrics.RecordNoteDropped(ctx, "missing")
		case LoadInFlight:
			r.metrics.RecordNoteDropped(ctx, "loading")
		}
		return false
	}
}

// RemoveParticipant disposes every engine belonging to participant, called
// when they leave the session. In-flight constructions for the participant
// are left to finish and age out via idle eviction.
func (r *Router) RemoveParticipant(ctx context.Context, participant string) {
	for _, rm := range r.pool.RemoveParticipant(participant) {
		r.disposeRemoved(ctx, rm, "left")
	}
}

// ─── Session-level operations ────────────────────────────────────────────────

// Preload constructs engines for a roster ahead of their first note. Keys
// that already have a live engine are skipped. Entries fail independently —
// one exhausted catalog does not stop the others — and the joined failures
// come back as one error.
func (r *Router) Preload(ctx context.Context, reqs []PreloadRequest) error {
	var g errgroup.Group
	g.SetLimit(r.parallel)

	errs := make([]error, len(reqs))
	for i, req := range reqs {
		g.Go(func() error {
			key := Key{Participant: req.Participant, Instrument: req.Instrument, Category: req.Category}
			if r.pooled(key) {
				return nil
			}
			res := r.coord.Load(ctx, key, req.Participant == r.local)
			if res.Err != nil {
				errs[i] = fmt.Errorf("preload %s: %w", key.String(), res.Err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// pooled reports whether key already has a live engine, in the local slot or
// the remote map.
func (r *Router) pooled(key Key) bool {
	if k, _, ok := r.pool.Local(); ok && k == key {
		return true
	}
	_, ok := r.pool.Remote(key)
	return ok
}

// Ready reports whether the router accepts operations: it has not been
// cleaned up and the audio context is still open.
func (r *Router) Ready() bool {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	return !closed && r.audio.State() != audio.StateClosed
}

// Stats is a point-in-time snapshot for health reporting.
type Stats struct {
	Engines int
	Loading int
	Reduced bool
}

// Stats returns a snapshot of pool occupancy and quality mode.
func (r *Router) Stats() Stats {
	return Stats{
		Engines: r.pool.Len(),
		Loading: r.coord.InFlight(),
		Reduced: r.quality.Reduced(),
	}
}

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Cleanup tears the session down: the janitor stops, in-flight loads abort,
// every engine is disposed, and the audio context closes. Safe to call more
// than once; repeat calls return nil.
func (r *Router) Cleanup() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.sweepStop != nil {
		r.sweepStop()
		<-r.sweepDone
	}

	// Abort and drain loads first so no build repopulates the pool behind
	// the disposal pass.
	r.coord.Close()

	ctx := context.Background()
	var errs []error
	removed := r.pool.Clear()
	for _, rm := range removed {
		if err := rm.Engine.Dispose(); err != nil {
			r.log.Warn("engine dispose failed", "key", rm.Key.String(), "reason", "cleanup", "err", err)
			errs = append(errs, err)
		}
		r.metrics.ActiveEngines.Add(ctx, -1)
	}

	if err := r.audio.Close(); err != nil {
		errs = append(errs, err)
	}

	r.log.Info("session cleaned up", "engines", len(removed))
	return errors.Join(errs...)
}
