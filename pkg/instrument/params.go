package instrument

// Waveform selects the oscillator shape for synthesised voices.
type Waveform string

const (
	WaveSine     Waveform = "sine"
	WaveSquare   Waveform = "square"
	WaveSawtooth Waveform = "sawtooth"
	WaveTriangle Waveform = "triangle"
)

// IsValid reports whether w is a recognised waveform.
func (w Waveform) IsValid() bool {
	switch w {
	case WaveSine, WaveSquare, WaveSawtooth, WaveTriangle:
		return true
	}
	return false
}

// PolyphonyMode selects whether an engine layers simultaneous notes or
// retriggers a single voice.
type PolyphonyMode string

const (
	// PolyphonyPoly lets simultaneous notes sound together.
	PolyphonyPoly PolyphonyMode = "poly"

	// PolyphonyMono retriggers one voice; a new note cuts the previous one.
	PolyphonyMono PolyphonyMode = "mono"
)

// IsValid reports whether m is a recognised polyphony mode.
func (m PolyphonyMode) IsValid() bool {
	return m == PolyphonyPoly || m == PolyphonyMono
}

// Params is the full synth parameter set carried by every engine. It is what
// the preference store persists per participant and what [Engine.Params]
// reports. Fields use JSON tags because the set travels over the session
// wire protocol and into the preference store as a JSON document.
type Params struct {
	// Waveform is the oscillator shape. Sample-based backends ignore it.
	Waveform Waveform `json:"waveform"`

	// AttackMs is the envelope attack time in milliseconds.
	AttackMs float64 `json:"attack_ms"`

	// DecayMs is the envelope decay time in milliseconds.
	DecayMs float64 `json:"decay_ms"`

	// Sustain is the envelope sustain level in [0, 1].
	Sustain float64 `json:"sustain"`

	// ReleaseMs is the envelope release time in milliseconds.
	ReleaseMs float64 `json:"release_ms"`

	// Gain is the engine output gain in [0, 1].
	Gain float64 `json:"gain"`

	// Polyphony selects poly or mono voice handling.
	Polyphony PolyphonyMode `json:"polyphony"`
}

// DefaultParams returns the parameter set engines start from when the
// participant has no stored preference.
func DefaultParams() Params {
	return Params{
		Waveform:  WaveSawtooth,
		AttackMs:  5,
		DecayMs:   120,
		Sustain:   0.7,
		ReleaseMs: 180,
		Gain:      0.8,
		Polyphony: PolyphonyPoly,
	}
}

// Patch returns a ParamPatch that sets every field of p, for replaying a
// stored parameter set onto a fresh engine.
func (p Params) Patch() ParamPatch {
	return ParamPatch{
		Waveform:  &p.Waveform,
		AttackMs:  &p.AttackMs,
		DecayMs:   &p.DecayMs,
		Sustain:   &p.Sustain,
		ReleaseMs: &p.ReleaseMs,
		Gain:      &p.Gain,
		Polyphony: &p.Polyphony,
	}
}

// ParamPatch is a partial parameter update. Nil fields leave the current
// value untouched, which is what lets two participants tweak different knobs
// of the same engine without clobbering each other.
type ParamPatch struct {
	Waveform  *Waveform      `json:"waveform,omitempty"`
	AttackMs  *float64       `json:"attack_ms,omitempty"`
	DecayMs   *float64       `json:"decay_ms,omitempty"`
	Sustain   *float64       `json:"sustain,omitempty"`
	ReleaseMs *float64       `json:"release_ms,omitempty"`
	Gain      *float64       `json:"gain,omitempty"`
	Polyphony *PolyphonyMode `json:"polyphony,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p ParamPatch) IsZero() bool {
	return p.Waveform == nil && p.AttackMs == nil && p.DecayMs == nil &&
		p.Sustain == nil && p.ReleaseMs == nil && p.Gain == nil && p.Polyphony == nil
}

// Apply returns a copy of base with every set patch field applied.
func (p ParamPatch) Apply(base Params) Params {
	out := base
	if p.Waveform != nil {
		out.Waveform = *p.Waveform
	}
	if p.AttackMs != nil {
		out.AttackMs = *p.AttackMs
	}
	if p.DecayMs != nil {
		out.DecayMs = *p.DecayMs
	}
	if p.Sustain != nil {
		out.Sustain = *p.Sustain
	}
	if p.ReleaseMs != nil {
		out.ReleaseMs = *p.ReleaseMs
	}
	if p.Gain != nil {
		out.Gain = *p.Gain
	}
	if p.Polyphony != nil {
		out.Polyphony = *p.Polyphony
	}
	return out
}
