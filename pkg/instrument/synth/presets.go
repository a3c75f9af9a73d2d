package synth

import "github.com/tonefield/jamroom/pkg/instrument"

// presets maps synth instrument names to their base parameter sets. A
// participant's stored preferences are layered on top after construction.
var presets = map[string]instrument.Params{
	"warm_pad": {
		Waveform: instrument.WaveTriangle,
		AttackMs: 180, DecayMs: 300, Sustain: 0.8, ReleaseMs: 600,
		Gain: 0.7, Polyphony: instrument.PolyphonyPoly,
	},
	"acid_lead": {
		Waveform: instrument.WaveSawtooth,
		AttackMs: 3, DecayMs: 90, Sustain: 0.55, ReleaseMs: 120,
		Gain: 0.8, Polyphony: instrument.PolyphonyPoly,
	},
	"glass_keys": {
		Waveform: instrument.WaveSine,
		AttackMs: 8, DecayMs: 250, Sustain: 0.5, ReleaseMs: 350,
		Gain: 0.75, Polyphony: instrument.PolyphonyPoly,
	},
	"pulse_bass": {
		Waveform: instrument.WaveSquare,
		AttackMs: 4, DecayMs: 140, Sustain: 0.65, ReleaseMs: 100,
		Gain: 0.85, Polyphony: instrument.PolyphonyMono,
	},
	"soft_strings": {
		Waveform: instrument.WaveTriangle,
		AttackMs: 250, DecayMs: 400, Sustain: 0.85, ReleaseMs: 900,
		Gain: 0.65, Polyphony: instrument.PolyphonyPoly,
	},
	"retro_square": {
		Waveform: instrument.WaveSquare,
		AttackMs: 2, DecayMs: 60, Sustain: 0.6, ReleaseMs: 80,
		Gain: 0.75, Polyphony: instrument.PolyphonyPoly,
	},
}

// presetOrder fixes the catalog order of the built-in presets.
var presetOrder = []string{
	"warm_pad", "acid_lead", "glass_keys", "pulse_bass", "soft_strings", "retro_square",
}

// Presets returns the built-in synth instrument names in catalog order.
func Presets() []string {
	return append([]string(nil), presetOrder...)
}
