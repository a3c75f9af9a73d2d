// Package mock provides an in-memory mock implementation of the
// [instrument.Engine] interface for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts and arguments, and it exposes exported
// fields that the test can set to control return values. InitGate lets a test
// hold Initialize open to exercise code paths that race against an engine
// still under construction:
//
//	gate := make(chan struct{})
//	eng := &mock.Engine{InitGate: gate}
//	go router.PlayLocal(...)   // blocks while eng initialises
//	close(gate)                // release construction
package mock

import (
	"context"
	"sync"

	"github.com/tonefield/jamroom/pkg/audio"
	"github.com/tonefield/jamroom/pkg/instrument"
)

// PlayCall records the arguments of a single [Engine.PlayNotes] invocation.
type PlayCall struct {
	// Notes is the notes argument passed to PlayNotes.
	Notes []instrument.Note
	// Velocity is the velocity argument passed to PlayNotes.
	Velocity float64
	// Held is the held argument passed to PlayNotes.
	Held bool
}

// Engine is a mock implementation of [instrument.Engine].
// Set the exported Result/Error fields before use; inspect the Call* fields after.
type Engine struct {
	mu sync.Mutex

	// InitializeErr is returned by [Engine.Initialize]. When non-nil the
	// engine never becomes ready.
	InitializeErr error

	// InitGate, when non-nil, blocks Initialize until the channel is closed
	// or the passed context is cancelled.
	InitGate <-chan struct{}

	// PlayErr is returned by [Engine.PlayNotes] once the engine is ready.
	PlayErr error

	// DisposeErr is returned by the first [Engine.Dispose].
	DisposeErr error

	// SamplesResult is returned by [Engine.AvailableSamples].
	SamplesResult []string

	// ParamsResult seeds the parameter set reported by [Engine.Params].
	// Patches applied via UpdateParams accumulate on top of it.
	ParamsResult instrument.Params

	// CallCountInitialize records how many times Initialize was called.
	CallCountInitialize int

	// CallCountDispose records how many times Dispose was called.
	CallCountDispose int

	// CallCountSetSustain records how many times SetSustain was called.
	CallCountSetSustain int

	// PlayCalls records all PlayNotes invocations.
	PlayCalls []PlayCall

	// StopCalls records the notes of all StopNotes invocations.
	StopCalls [][]instrument.Note

	// SustainCalls records the argument of every SetSustain invocation.
	SustainCalls []bool

	// QualityCalls records the argument of every SetQualityReduced invocation.
	QualityCalls []bool

	// PatchCalls records every patch passed to UpdateParams.
	PatchCalls []instrument.ParamPatch

	ready    bool
	disposed bool
}

var _ instrument.Engine = (*Engine)(nil)

// Initialize implements [instrument.Engine]. It blocks on InitGate when set,
// then records the call and applies InitializeErr.
func (e *Engine) Initialize(ctx context.Context, _ *audio.Context) error {
	e.mu.Lock()
	e.CallCountInitialize++
	gate := e.InitGate
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.InitializeErr != nil {
		return e.InitializeErr
	}
	if e.disposed {
		return instrument.ErrNotReady
	}
	e.ready = true
	return nil
}

// PlayNotes implements [instrument.Engine]. Records the call.
func (e *Engine) PlayNotes(notes []instrument.Note, velocity float64, held bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return instrument.ErrNotReady
	}
	e.PlayCalls = append(e.PlayCalls, PlayCall{
		Notes:    append([]instrument.Note(nil), notes...),
		Velocity: velocity,
		Held:     held,
	})
	return e.PlayErr
}

// StopNotes implements [instrument.Engine]. Records the notes.
func (e *Engine) StopNotes(notes []instrument.Note) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return instrument.ErrNotReady
	}
	e.StopCalls = append(e.StopCalls, append([]instrument.Note(nil), notes...))
	return nil
}

// SetSustain implements [instrument.Engine]. Records the call.
func (e *Engine) SetSustain(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return instrument.ErrNotReady
	}
	e.CallCountSetSustain++
	e.SustainCalls = append(e.SustainCalls, on)
	return nil
}

// UpdateParams implements [instrument.Engine]. The patch is recorded and
// folded into ParamsResult.
func (e *Engine) UpdateParams(patch instrument.ParamPatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return instrument.ErrNotReady
	}
	e.PatchCalls = append(e.PatchCalls, patch)
	e.ParamsResult = patch.Apply(e.ParamsResult)
	return nil
}

// Params implements [instrument.Engine].
func (e *Engine) Params() instrument.Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ParamsResult
}

// AvailableSamples implements [instrument.Engine]. Returns SamplesResult.
func (e *Engine) AvailableSamples() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.SamplesResult
}

// SetQualityReduced implements [instrument.Engine]. Records the call.
func (e *Engine) SetQualityReduced(reduced bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.QualityCalls = append(e.QualityCalls, reduced)
	return nil
}

// Ready implements [instrument.Engine].
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready && !e.disposed
}

// Dispose implements [instrument.Engine]. The first call returns DisposeErr;
// subsequent calls return nil.
func (e *Engine) Dispose() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountDispose++
	if e.disposed {
		return nil
	}
	e.disposed = true
	e.ready = false
	return e.DisposeErr
}

// Disposed reports whether Dispose has been called at least once.
func (e *Engine) Disposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// Plays returns a snapshot of every PlayNotes invocation. Use this instead
// of reading PlayCalls directly when the engine is driven from another
// goroutine.
func (e *Engine) Plays() []PlayCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]PlayCall(nil), e.PlayCalls...)
}

// Stops returns a snapshot of the notes passed to every StopNotes invocation.
func (e *Engine) Stops() [][]instrument.Note {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]instrument.Note(nil), e.StopCalls...)
}

// Sustains returns a snapshot of every SetSustain argument.
func (e *Engine) Sustains() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.SustainCalls...)
}

// Patches returns a snapshot of every UpdateParams patch.
func (e *Engine) Patches() []instrument.ParamPatch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]instrument.ParamPatch(nil), e.PatchCalls...)
}
