// Package synth implements [instrument.Engine] with a polyphonic subtractive
// oscillator: one ADSR-enveloped voice per sounding note, mixed into a single
// PCM stream that the engine attaches to the shared audio context as a line.
package synth

import (
	"context"
	"fmt"
	"sync"

	"github.com/tonefield/jamroom/pkg/audio"
	"github.com/tonefield/jamroom/pkg/instrument"
)

const (
	// maxVoicesFull is the polyphony cap at normal quality.
	maxVoicesFull = 24

	// maxVoicesReduced is the polyphony cap while quality is reduced.
	maxVoicesReduced = 6
)

// Engine is an oscillator-based instrument engine. Construct with [New],
// bring up with Initialize, tear down with Dispose.
type Engine struct {
	name string

	mu         sync.Mutex
	params     instrument.Params
	voices     []*voice
	sustain    bool
	reduced    bool
	ready      bool
	disposed   bool
	line       audio.Line
	sampleRate int
	channels   int
}

var _ instrument.Engine = (*Engine)(nil)

// New returns a cold engine for the named preset. The name is validated
// during Initialize, not here, so that construction itself cannot fail.
func New(name string) *Engine {
	return &Engine{name: name}
}

// Initialize implements [instrument.Engine]. It resolves the preset, attaches
// the render loop to the shared context, and marks the engine ready.
func (e *Engine) Initialize(ctx context.Context, out *audio.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return fmt.Errorf("synth %q: initialize after dispose: %w", e.name, instrument.ErrNotReady)
	}
	if e.ready {
		return nil
	}

	base, ok := presets[e.name]
	if !ok {
		return fmt.Errorf("synth: unknown preset %q", e.name)
	}
	e.params = base
	e.sampleRate = out.SampleRate()
	e.channels = out.ChannelCount()

	line, err := out.Attach(&render{engine: e})
	if err != nil {
		return fmt.Errorf("synth %q: attach line: %w", e.name, err)
	}
	e.line = line
	e.ready = true
	return nil
}

// PlayNotes implements [instrument.Engine].
func (e *Engine) PlayNotes(notes []instrument.Note, velocity float64, held bool) error {
	if velocity < 0 {
		velocity = 0
	} else if velocity > 1 {
		velocity = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return instrument.ErrNotReady
	}

	if e.params.Polyphony == instrument.PolyphonyMono {
		for _, v := range e.voices {
			v.release(e.sampleRate, e.params)
		}
		if len(notes) > 0 {
			e.triggerLocked(notes[len(notes)-1], velocity, held)
		}
		return nil
	}

	for _, n := range notes {
		e.triggerLocked(n, velocity, held)
	}
	return nil
}

// triggerLocked starts a voice for note, stealing the oldest voice when the
// polyphony cap is hit.
func (e *Engine) triggerLocked(n instrument.Note, velocity float64, held bool) {
	limit := maxVoicesFull
	if e.reduced {
		limit = maxVoicesReduced
	}

	var v *voice
	for _, cand := range e.voices {
		if cand.done() {
			v = cand
			break
		}
	}
	if v == nil {
		if len(e.voices) < limit {
			v = &voice{}
			e.voices = append(e.voices, v)
		} else {
			v = e.voices[0]
			e.voices = append(e.voices[1:], v)
		}
	}
	v.start(n, velocity, held, e.sampleRate, e.params)
}

// StopNotes implements [instrument.Engine]. With the sustain pedal engaged,
// released notes are tagged and keep sounding until the pedal lifts.
func (e *Engine) StopNotes(notes []instrument.Note) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return instrument.ErrNotReady
	}
	for _, n := range notes {
		for _, v := range e.voices {
			if v.note != n || v.done() || v.releasing() {
				continue
			}
			if e.sustain {
				v.pedalHeld = true
			} else {
				v.release(e.sampleRate, e.params)
			}
		}
	}
	return nil
}

// SetSustain implements [instrument.Engine].
func (e *Engine) SetSustain(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return instrument.ErrNotReady
	}
	e.sustain = on
	if !on {
		for _, v := range e.voices {
			if v.pedalHeld {
				v.pedalHeld = false
				v.release(e.sampleRate, e.params)
			}
		}
	}
	return nil
}

// UpdateParams implements [instrument.Engine]. Invalid enum values reject the
// whole patch; numeric fields are clamped to their legal ranges.
func (e *Engine) UpdateParams(patch instrument.ParamPatch) error {
	if patch.Waveform != nil && !patch.Waveform.IsValid() {
		return fmt.Errorf("synth: invalid waveform %q", *patch.Waveform)
	}
	if patch.Polyphony != nil && !patch.Polyphony.IsValid() {
		return fmt.Errorf("synth: invalid polyphony mode %q", *patch.Polyphony)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return instrument.ErrNotReady
	}
	e.params = clampParams(patch.Apply(e.params))
	return nil
}

// Params implements [instrument.Engine].
func (e *Engine) Params() instrument.Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// AvailableSamples implements [instrument.Engine]. Synth voices are computed,
// not sampled.
func (e *Engine) AvailableSamples() []string { return nil }

// SetQualityReduced implements [instrument.Engine]. Shrinking the cap releases
// the voices beyond it so CPU drops promptly, not only on the next trigger.
func (e *Engine) SetQualityReduced(reduced bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reduced == reduced {
		return nil
	}
	e.reduced = reduced
	if reduced && len(e.voices) > maxVoicesReduced {
		for _, v := range e.voices[:len(e.voices)-maxVoicesReduced] {
			v.release(e.sampleRate, e.params)
		}
	}
	return nil
}

// Ready implements [instrument.Engine].
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// Dispose implements [instrument.Engine].
func (e *Engine) Dispose() error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	e.ready = false
	e.voices = nil
	line := e.line
	e.line = nil
	e.mu.Unlock()

	if line != nil {
		if err := line.Close(); err != nil {
			return fmt.Errorf("synth %q: close line: %w", e.name, err)
		}
	}
	return nil
}

func clampParams(p instrument.Params) instrument.Params {
	clamp01 := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	p.Sustain = clamp01(p.Sustain)
	p.Gain = clamp01(p.Gain)
	if p.AttackMs < 0 {
		p.AttackMs = 0
	}
	if p.DecayMs < 0 {
		p.DecayMs = 0
	}
	if p.ReleaseMs < 0 {
		p.ReleaseMs = 0
	}
	return p
}
