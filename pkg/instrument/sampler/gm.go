package sampler

// General MIDI program numbers for the melodic instruments jamroom ships in
// its default sampler catalog. Names are jamroom catalog identifiers, not GM
// display names.
var gmPrograms = map[string]int32{
	"grand_piano":     0,
	"electric_piano":  4,
	"music_box":       10,
	"church_organ":    19,
	"nylon_guitar":    24,
	"clean_guitar":    27,
	"upright_bass":    32,
	"slap_bass":       36,
	"violin":          40,
	"string_ensemble": 48,
	"brass_section":   61,
	"alto_sax":        65,
	"flute":           73,
	"steel_drums":     114,
}

var melodicOrder = []string{
	"grand_piano", "electric_piano", "music_box", "church_organ",
	"nylon_guitar", "clean_guitar", "upright_bass", "slap_bass",
	"violin", "string_ensemble", "brass_section", "alto_sax",
	"flute", "steel_drums",
}

// Drum kit program numbers on the percussion channel, following the GM2 kit
// layout most SoundFonts use (bank 128).
var drumKits = map[string]int32{
	"standard_kit":   0,
	"room_kit":       8,
	"power_kit":      16,
	"electronic_kit": 24,
	"tr_808":         25,
	"jazz_kit":       32,
	"brush_kit":      40,
}

var drumOrder = []string{
	"standard_kit", "room_kit", "power_kit", "electronic_kit",
	"tr_808", "jazz_kit", "brush_kit",
}

// MelodicInstruments returns the built-in sampler instrument names in catalog
// order.
func MelodicInstruments() []string {
	return append([]string(nil), melodicOrder...)
}

// DrumKits returns the built-in drum kit names in catalog order.
func DrumKits() []string {
	return append([]string(nil), drumOrder...)
}
