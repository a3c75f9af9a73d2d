package enginepool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tonefield/jamroom/internal/observe"
	"github.com/tonefield/jamroom/pkg/instrument"
)

// VoiceActivity is one observation of the voice-chat state: whether anyone
// is speaking and whether the session wants rendering quality reduced while
// they do.
type VoiceActivity struct {
	Active        bool
	ReduceQuality bool
}

// Adapter derives the session's rendering quality mode from voice activity
// and fans mode changes out to pooled engines.
//
// Reduced quality is in effect exactly while both halves of the observation
// hold: voice is active and reduction is requested. Engines are only invoked
// when the derived mode actually flips, so a stream of identical
// observations costs nothing.
type Adapter struct {
	pool    *Pool
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	reduced bool
}

// NewAdapter returns an adapter in normal-quality mode.
func NewAdapter(pool *Pool, log *slog.Logger, metrics *observe.Metrics) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Adapter{pool: pool, log: log, metrics: metrics}
}

// Reduced reports whether reduced-quality mode is currently in effect.
func (a *Adapter) Reduced() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reduced
}

// Observe feeds one voice activity update into the adapter. When the derived
// mode changes, every pooled engine is switched once; engines that fail to
// switch are logged and left for the next transition.
func (a *Adapter) Observe(v VoiceActivity) {
	want := v.Active && v.ReduceQuality

	a.mu.Lock()
	if want == a.reduced {
		a.mu.Unlock()
		return
	}
	a.reduced = want
	a.mu.Unlock()

	mode := "normal"
	if want {
		mode = "reduced"
	}
	engines := a.pool.Engines()
	for _, eng := range engines {
		if err := eng.SetQualityReduced(want); err != nil {
			a.log.Warn("quality switch failed", "mode", mode, "err", err)
		}
	}
	a.metrics.RecordQualityTransition(context.Background(), mode)
	a.log.Info("render quality changed", "mode", mode, "engines", len(engines))
}

// Apply brings a freshly constructed engine in line with the current mode.
// The [Coordinator] calls this once the engine is pooled so late joiners
// respect a reduction already in effect.
func (a *Adapter) Apply(eng instrument.Engine) {
	a.mu.Lock()
	want := a.reduced
	a.mu.Unlock()
	if !want {
		return
	}
	if err := eng.SetQualityReduced(true); err != nil {
		a.log.Warn("quality switch failed", "mode", "reduced", "err", err)
	}
}
