// Package instrument defines the Engine interface implemented by every
// synthesis backend in jamroom, together with the note and parameter types
// that flow through it.
//
// An Engine is a live synthesis or sampler backend bound to exactly one
// participant/instrument pair. It is constructed cold, brought to readiness
// by [Engine.Initialize] against the shared audio context, played through
// the note methods, and torn down exactly once by [Engine.Dispose].
//
// The interface is intentionally narrow so that the coordination layer
// remains backend-agnostic: how a backend turns a note into sound is its own
// business; the layer above only cares about readiness and disposal.
package instrument

import (
	"context"
	"errors"

	"github.com/tonefield/jamroom/pkg/audio"
)

// ErrNotReady is returned by playback methods invoked before [Engine.Initialize]
// has completed or after [Engine.Dispose].
var ErrNotReady = errors.New("instrument: engine not ready")

// Category groups instruments that share a synthesis backend and a fallback
// catalog. An engine's category is fixed by the key it was constructed from.
type Category string

const (
	// CategorySynth covers oscillator-based melodic instruments.
	CategorySynth Category = "synth"

	// CategorySampler covers melodic instruments rendered from SoundFont samples.
	CategorySampler Category = "sampler"

	// CategoryDrums covers percussion kits rendered from SoundFont samples.
	CategoryDrums Category = "drums"
)

// IsValid reports whether c is a recognised category.
func (c Category) IsValid() bool {
	switch c {
	case CategorySynth, CategorySampler, CategoryDrums:
		return true
	}
	return false
}

// Categories returns all recognised categories in display order.
func Categories() []Category {
	return []Category{CategorySynth, CategorySampler, CategoryDrums}
}

// Engine is a live synthesis backend for one instrument.
//
// Lifecycle: exactly one successful Initialize, any number of playback calls
// while ready, exactly one effective Dispose. Dispose must be safe to call
// more than once and must release the engine's line on the shared audio
// context. After Dispose, playback methods return [ErrNotReady].
//
// Implementations must be safe for concurrent use: note events arrive from
// network and hardware goroutines while the device render goroutine pulls
// samples.
type Engine interface {
	// Initialize binds the engine to the shared audio context and loads
	// whatever the backend needs (wavetables, SoundFont presets). It blocks
	// until the engine is ready, the context is cancelled, or loading fails;
	// a failed engine must be left disposable but never ready.
	Initialize(ctx context.Context, out *audio.Context) error

	// PlayNotes starts the given notes at velocity in [0, 1]. held marks a
	// sustained press (key held down) as opposed to a one-shot trigger;
	// backends for percussive categories may ignore it.
	PlayNotes(notes []Note, velocity float64, held bool) error

	// StopNotes releases the given notes. Unknown or already-released notes
	// are ignored.
	StopNotes(notes []Note) error

	// SetSustain engages or releases the sustain pedal. While engaged,
	// released notes keep sounding until SetSustain(false).
	SetSustain(on bool) error

	// UpdateParams applies a partial parameter change. Unset patch fields
	// leave the current value untouched. Changes affect running and future
	// voices as the backend allows.
	UpdateParams(patch ParamPatch) error

	// Params returns the engine's current full parameter set.
	Params() Params

	// AvailableSamples lists the sample names the backend can play, in
	// catalog order. Purely synthesised backends return nil.
	AvailableSamples() []string

	// SetQualityReduced switches the engine between full and reduced
	// fidelity. Reduced mode caps polyphony so playback stays intelligible
	// while the process shares CPU with voice chat. Must be idempotent.
	SetQualityReduced(reduced bool) error

	// Ready reports whether Initialize has completed and Dispose has not run.
	Ready() bool

	// Dispose stops all voices, detaches from the audio context, and frees
	// backend resources. Safe to call more than once; subsequent calls
	// return nil.
	Dispose() error
}
