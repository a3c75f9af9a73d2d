// Package sampler implements [instrument.Engine] on a SoundFont synthesizer.
// One engine wraps one meltysynth instance program-changed to the instrument
// it was constructed for; melodic instruments play on a melodic MIDI channel
// while drum kits use the GM percussion channel, so one SF2 file serves both
// categories.
package sampler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sinshu/go-meltysynth/meltysynth"

	"github.com/tonefield/jamroom/pkg/audio"
	"github.com/tonefield/jamroom/pkg/instrument"
)

// ErrSoundFontNotFound is returned by Initialize when the configured SF2
// file does not exist.
var ErrSoundFontNotFound = errors.New("sampler: soundfont not found")

const (
	melodicChannel    = 0
	percussionChannel = 9 // GM reserves channel 10 (0-based 9) for drums

	ccSustainPedal = 64

	midiNoteOff       = 0x80
	midiNoteOn        = 0x90
	midiControlChange = 0xB0
	midiProgramChange = 0xC0

	voiceCapReduced = 8
)

// Engine is a SoundFont-backed instrument engine. Construct with [New],
// bring up with Initialize, tear down with Dispose.
type Engine struct {
	name     string
	category instrument.Category
	sf2Path  string

	mu         sync.Mutex
	synth      *meltysynth.Synthesizer
	channel    int32
	params     instrument.Params
	samples    []string
	sustain    bool
	reduced    bool
	ready      bool
	disposed   bool
	line       audio.Line
	sampleRate int
	channels   int

	// active tracks sounding notes in press order for reduced-quality voice
	// stealing.
	active []instrument.Note

	// render scratch buffers, sized on first use.
	left, right []float32
}

var _ instrument.Engine = (*Engine)(nil)

// New returns a cold engine for the named instrument. category must be
// [instrument.CategorySampler] or [instrument.CategoryDrums]; the name is
// resolved against the matching GM table during Initialize.
func New(name string, category instrument.Category, sf2Path string) *Engine {
	return &Engine{name: name, category: category, sf2Path: sf2Path}
}

// Initialize implements [instrument.Engine]. It loads and parses the SF2
// file, program-changes the synthesizer to the engine's instrument, and
// attaches the render loop to the shared context.
func (e *Engine) Initialize(ctx context.Context, out *audio.Context) error {
	program, channel, err := e.resolveProgram()
	if err != nil {
		return err
	}

	if e.sf2Path == "" {
		return fmt.Errorf("%w: no soundfont configured", ErrSoundFontNotFound)
	}
	data, err := os.ReadFile(e.sf2Path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSoundFontNotFound, e.sf2Path)
		}
		return fmt.Errorf("sampler: read soundfont: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sf, err := meltysynth.NewSoundFont(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("sampler: parse soundfont %s: %w", e.sf2Path, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	settings := meltysynth.NewSynthesizerSettings(int32(out.SampleRate()))
	synth, err := meltysynth.NewSynthesizer(sf, settings)
	if err != nil {
		return fmt.Errorf("sampler: create synthesizer: %w", err)
	}
	synth.ProcessMidiMessage(channel, midiProgramChange, program, 0)

	samples := make([]string, 0, len(sf.Presets))
	for _, p := range sf.Presets {
		samples = append(samples, p.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return fmt.Errorf("sampler %q: initialize after dispose: %w", e.name, instrument.ErrNotReady)
	}
	if e.ready {
		return nil
	}
	e.synth = synth
	e.channel = channel
	e.samples = samples
	e.params = instrument.DefaultParams()
	e.sampleRate = out.SampleRate()
	e.channels = out.ChannelCount()

	line, err := out.Attach(&render{engine: e})
	if err != nil {
		e.synth = nil
		return fmt.Errorf("sampler %q: attach line: %w", e.name, err)
	}
	e.line = line
	e.ready = true
	return nil
}

// resolveProgram maps the engine's name and category onto a GM program and
// MIDI channel. Unknown names fail here so the fallback resolver can move on
// before any file I/O happens.
func (e *Engine) resolveProgram() (program, channel int32, err error) {
	switch e.category {
	case instrument.CategorySampler:
		p, ok := gmPrograms[e.name]
		if !ok {
			return 0, 0, fmt.Errorf("sampler: unknown instrument %q", e.name)
		}
		return p, melodicChannel, nil
	case instrument.CategoryDrums:
		p, ok := drumKits[e.name]
		if !ok {
			return 0, 0, fmt.Errorf("sampler: unknown drum kit %q", e.name)
		}
		return p, percussionChannel, nil
	default:
		return 0, 0, fmt.Errorf("sampler: category %q is not sample-based", e.category)
	}
}

// PlayNotes implements [instrument.Engine].
func (e *Engine) PlayNotes(notes []instrument.Note, velocity float64, held bool) error {
	if velocity < 0 {
		velocity = 0
	} else if velocity > 1 {
		velocity = 1
	}
	vel := int32(velocity * 127)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return instrument.ErrNotReady
	}

	if e.params.Polyphony == instrument.PolyphonyMono && e.category != instrument.CategoryDrums {
		for _, n := range e.active {
			e.synth.ProcessMidiMessage(e.channel, midiNoteOff, int32(n), 0)
		}
		e.active = e.active[:0]
		if len(notes) > 0 {
			notes = notes[len(notes)-1:]
		}
	}

	for _, n := range notes {
		e.stealLocked()
		e.synth.ProcessMidiMessage(e.channel, midiNoteOn, int32(n), vel)
		e.active = append(e.active, n)
	}
	return nil
}

// stealLocked releases the oldest sounding note when reduced quality has the
// voice budget exhausted.
func (e *Engine) stealLocked() {
	if !e.reduced || len(e.active) < voiceCapReduced {
		return
	}
	oldest := e.active[0]
	e.active = e.active[1:]
	e.synth.ProcessMidiMessage(e.channel, midiNoteOff, int32(oldest), 0)
}

// StopNotes implements [instrument.Engine]. The synthesizer applies the
// sustain pedal itself, so note-offs are forwarded unconditionally.
func (e *Engine) StopNotes(notes []instrument.Note) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return instrument.ErrNotReady
	}
	for _, n := range notes {
		e.synth.ProcessMidiMessage(e.channel, midiNoteOff, int32(n), 0)
		for i, a := range e.active {
			if a == n {
				e.active = append(e.active[:i], e.active[i+1:]...)
				break
			}
		}
	}
	return nil
}

// SetSustain implements [instrument.Engine] via MIDI CC 64.
func (e *Engine) SetSustain(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return instrument.ErrNotReady
	}
	e.sustain = on
	var value int32
	if on {
		value = 127
	}
	e.synth.ProcessMidiMessage(e.channel, midiControlChange, ccSustainPedal, value)
	return nil
}

// UpdateParams implements [instrument.Engine]. Envelope and waveform fields
// are recorded so preferences round-trip, but rendering takes envelopes from
// the SoundFont; only Gain and Polyphony change audible behaviour here.
func (e *Engine) UpdateParams(patch instrument.ParamPatch) error {
	if patch.Waveform != nil && !patch.Waveform.IsValid() {
		return fmt.Errorf("sampler: invalid waveform %q", *patch.Waveform)
	}
	if patch.Polyphony != nil && !patch.Polyphony.IsValid() {
		return fmt.Errorf("sampler: invalid polyphony mode %q", *patch.Polyphony)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return instrument.ErrNotReady
	}
	e.params = patch.Apply(e.params)
	if e.params.Gain < 0 {
		e.params.Gain = 0
	} else if e.params.Gain > 1 {
		e.params.Gain = 1
	}
	return nil
}

// Params implements [instrument.Engine].
func (e *Engine) Params() instrument.Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// AvailableSamples implements [instrument.Engine]. Names come from the loaded
// SoundFont's preset list, in file order.
func (e *Engine) AvailableSamples() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.samples...)
}

// SetQualityReduced implements [instrument.Engine]. Entering reduced mode
// releases notes beyond the reduced voice budget immediately.
func (e *Engine) SetQualityReduced(reduced bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reduced == reduced {
		return nil
	}
	e.reduced = reduced
	if reduced && e.ready {
		for len(e.active) > voiceCapReduced {
			oldest := e.active[0]
			e.active = e.active[1:]
			e.synth.ProcessMidiMessage(e.channel, midiNoteOff, int32(oldest), 0)
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
	if e.synth != nil {
		e.synth.NoteOffAll(true)
	}
	e.synth = nil
	e.active = nil
	line := e.line
	e.line = nil
	e.mu.Unlock()

	if line != nil {
		if err := line.Close(); err != nil {
			return fmt.Errorf("sampler %q: close line: %w", e.name, err)
		}
	}
	return nil
}

// render implements io.Reader for the engine's line on the shared output,
// converting the synthesizer's stereo float32 output to interleaved 16-bit
// little-endian PCM.
type render struct {
	engine *Engine
}

func (r *render) Read(buf []byte) (int, error) {
	e := r.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	const bytesPerSample = 2
	channels := e.channels
	if channels == 0 {
		channels = 2
	}
	frame := channels * bytesPerSample
	numFrames := len(buf) / frame
	if numFrames == 0 {
		return 0, nil
	}

	if len(e.left) < numFrames {
		e.left = make([]float32, numFrames)
		e.right = make([]float32, numFrames)
	}
	left := e.left[:numFrames]
	right := e.right[:numFrames]

	if e.ready {
		e.synth.Render(left, right)
	} else {
		for i := range left {
			left[i], right[i] = 0, 0
		}
	}

	gain := float32(e.params.Gain)
	for i := 0; i < numFrames; i++ {
		l := clampUnit(left[i] * gain)
		rr := clampUnit(right[i] * gain)
		idx := i * frame
		switch channels {
		case 1:
			s := int16((l + rr) / 2 * 32767)
			buf[idx] = byte(s)
			buf[idx+1] = byte(s >> 8)
		default:
			ls := int16(l * 32767)
			rs := int16(rr * 32767)
			buf[idx] = byte(ls)
			buf[idx+1] = byte(ls >> 8)
			buf[idx+2] = byte(rs)
			buf[idx+3] = byte(rs >> 8)
		}
	}

	return numFrames * frame, nil
}

func clampUnit(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
