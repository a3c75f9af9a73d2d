package instrument_test

import (
	"testing"

	"github.com/tonefield/jamroom/pkg/instrument"
)

func TestParamPatch_Apply(t *testing.T) {
	t.Parallel()
	base := instrument.DefaultParams()

	wave := instrument.WaveSquare
	gain := 0.25
	patch := instrument.ParamPatch{Waveform: &wave, Gain: &gain}

	got := patch.Apply(base)
	if got.Waveform != instrument.WaveSquare {
		t.Errorf("Waveform = %q, want %q", got.Waveform, instrument.WaveSquare)
	}
	if got.Gain != 0.25 {
		t.Errorf("Gain = %f, want 0.25", got.Gain)
	}

	// Untouched fields keep their base values.
	if got.AttackMs != base.AttackMs {
		t.Errorf("AttackMs = %f, want %f", got.AttackMs, base.AttackMs)
	}
	if got.Polyphony != base.Polyphony {
		t.Errorf("Polyphony = %q, want %q", got.Polyphony, base.Polyphony)
	}

	// Apply must not mutate its input.
	if base.Waveform == instrument.WaveSquare {
		t.Error("Apply mutated the base params")
	}
}

func TestParamPatch_IsZero(t *testing.T) {
	t.Parallel()
	if !(instrument.ParamPatch{}).IsZero() {
		t.Error("empty patch IsZero() = false, want true")
	}
	sustain := 0.5
	if (instrument.ParamPatch{Sustain: &sustain}).IsZero() {
		t.Error("non-empty patch IsZero() = true, want false")
	}
}
