package instrument

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Note is a pitch expressed as a MIDI note number (0–127, middle C = 60).
// Hardware input, the session wire protocol, and the SoundFont backend all
// speak MIDI numbers natively; names like "C4" exist only at the edges.
type Note uint8

// noteNames maps semitone offsets within an octave to canonical names.
// Sharps only; flats are accepted on parse and normalised.
var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

var flatToSharp = map[string]string{
	"DB": "C#", "EB": "D#", "GB": "F#", "AB": "G#", "BB": "A#",
}

// ParseNote converts a scientific pitch name such as "C4", "F#3" or "Bb2"
// into a Note. The mapping follows MIDI convention: C4 = 60, A4 = 69.
// The octave may be negative; "C-1" is MIDI note 0.
func ParseNote(s string) (Note, error) {
	raw := strings.TrimSpace(s)
	if len(raw) < 2 {
		return 0, fmt.Errorf("instrument: note %q is too short", s)
	}

	pitch := strings.ToUpper(raw[:1])
	rest := raw[1:]
	// Accidental: '#' for sharp, lowercase 'b' for flat. An uppercase 'B'
	// here is never a flat, so "B2" parses as the note B.
	if rest[0] == '#' {
		pitch += "#"
		rest = rest[1:]
	} else if rest[0] == 'b' {
		pitch += "B"
		rest = rest[1:]
	}
	if sharp, ok := flatToSharp[pitch]; ok {
		pitch = sharp
	}

	semitone := -1
	for idx, name := range noteNames {
		if name == pitch {
			semitone = idx
			break
		}
	}
	if semitone < 0 {
		return 0, fmt.Errorf("instrument: note %q has unknown pitch class", s)
	}

	octave, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("instrument: note %q has invalid octave: %w", s, err)
	}

	n := (octave+1)*12 + semitone
	if n < 0 || n > 127 {
		return 0, fmt.Errorf("instrument: note %q is outside the MIDI range", s)
	}
	return Note(n), nil
}

// String returns the scientific pitch name of the note, e.g. "C4" for 60.
func (n Note) String() string {
	semitone := int(n) % 12
	octave := int(n)/12 - 1
	return fmt.Sprintf("%s%d", noteNames[semitone], octave)
}

// Frequency returns the equal-temperament frequency of the note in Hz,
// tuned to A4 = 440.
func (n Note) Frequency() float64 {
	return 440 * math.Pow(2, (float64(n)-69)/12)
}
