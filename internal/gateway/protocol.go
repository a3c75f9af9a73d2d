package gateway

import "github.com/tonefield/jamroom/pkg/instrument"

// Event type tags for inbound frames.
const (
	evtJoin       = "join"
	evtLeave      = "leave"
	evtNoteOn     = "note_on"
	evtNoteOff    = "note_off"
	evtSustain    = "sustain"
	evtParams     = "params"
	evtInstrument = "instrument"
	evtVoice      = "voice"
)

// Notice type tags for outbound frames.
const (
	noticeJoined        = "joined"
	noticeInstrumentSet = "instrument_set"
	noticeFallback      = "fallback"
	noticeDropped       = "dropped"
	noticeError         = "error"
)

// clientEvent is one inbound frame. Type selects which of the remaining
// fields are meaningful.
//
// The first frame on a connection must be a join naming the participant the
// connection speaks for; every later frame applies to that participant. The
// UI joins as the host participant, the peer-event relay opens one
// connection per remote peer.
type clientEvent struct {
	Type string `json:"type"`

	// Participant is consulted only on join.
	Participant string `json:"participant,omitempty"`

	// Instrument and Category select an instrument on join and instrument
	// frames. Instrument may be free text ("gran pianno"); the server
	// resolves it against the category catalog.
	Instrument string `json:"instrument,omitempty"`
	Category   string `json:"category,omitempty"`

	// Notes carries MIDI note numbers for note_on and note_off.
	Notes []int `json:"notes,omitempty"`

	// Velocity in [0, 1] and Held apply to note_on.
	Velocity float64 `json:"velocity,omitempty"`
	Held     bool    `json:"held,omitempty"`

	// On carries the sustain pedal position.
	On bool `json:"on,omitempty"`

	// Patch is the partial parameter update for params frames.
	Patch *instrument.ParamPatch `json:"patch,omitempty"`

	// Active and ReduceQuality mirror the voice-chat widget state.
	Active        bool `json:"active,omitempty"`
	ReduceQuality bool `json:"reduce_quality,omitempty"`
}

// serverNotice is one outbound frame.
//
//   - joined: acknowledges a join; Restored reports whether a persisted
//     selection was brought back.
//   - instrument_set: an instrument change settled; Instrument is the
//     canonical catalog name the request resolved to.
//   - fallback: Requested failed to load and Substitute is sounding in its
//     place. Broadcast to every connection.
//   - dropped: notes or a parameter patch arrived before the participant's
//     engine was ready and were discarded while it warms up.
//   - error: the previous frame was rejected; Message says why.
type serverNotice struct {
	Type        string `json:"type"`
	Participant string `json:"participant,omitempty"`
	Instrument  string `json:"instrument,omitempty"`
	Category    string `json:"category,omitempty"`
	Requested   string `json:"requested,omitempty"`
	Substitute  string `json:"substitute,omitempty"`
	Restored    bool   `json:"restored,omitempty"`
	Message     string `json:"message,omitempty"`
}

// errNotice builds an error notice.
func errNotice(msg string) serverNotice {
	return serverNotice{Type: noticeError, Message: msg}
}
