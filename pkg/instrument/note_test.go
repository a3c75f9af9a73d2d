package instrument_test

import (
	"math"
	"testing"

	"github.com/tonefield/jamroom/pkg/instrument"
)

func TestParseNote(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want instrument.Note
	}{
		{"C4", 60},
		{"A4", 69},
		{"F#3", 54},
		{"Bb2", 46},
		{"B2", 47},
		{"C-1", 0},
		{"G9", 127},
		{" d5 ", 74},
	}
	for _, tc := range cases {
		got, err := instrument.ParseNote(tc.in)
		if err != nil {
			t.Errorf("ParseNote(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseNote(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseNote_Invalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "C", "H2", "C#", "A12", "G#9", "Cb4"} {
		if got, err := instrument.ParseNote(in); err == nil {
			t.Errorf("ParseNote(%q) = %d, want error", in, got)
		}
	}
}

func TestNoteString(t *testing.T) {
	t.Parallel()
	cases := map[instrument.Note]string{
		60:  "C4",
		69:  "A4",
		46:  "A#2",
		0:   "C-1",
		127: "G9",
	}
	for n, want := range cases {
		if got := n.String(); got != want {
			t.Errorf("Note(%d).String() = %q, want %q", n, got, want)
		}
	}
}

func TestNoteFrequency(t *testing.T) {
	t.Parallel()
	cases := map[instrument.Note]float64{
		69: 440,
		57: 220,
		60: 261.6256,
	}
	for n, want := range cases {
		if got := n.Frequency(); math.Abs(got-want) > 0.001 {
			t.Errorf("Note(%d).Frequency() = %f, want %f", n, got, want)
		}
	}
}
