package enginepool

import "github.com/tonefield/jamroom/pkg/instrument"

// Key identifies one engine slot: the participant it belongs to, the
// instrument they selected, and the category that selection lives in.
// The pool holds at most one engine per key.
//
// After a fallback substitution the key keeps the selected instrument name;
// the engine behind it is whatever the resolver managed to construct.
type Key struct {
	Participant string
	Instrument  string
	Category    instrument.Category
}

// String renders the key for logs as participant/category/instrument.
func (k Key) String() string {
	return k.Participant + "/" + string(k.Category) + "/" + k.Instrument
}

// IsZero reports whether the key carries no selection.
func (k Key) IsZero() bool {
	return k == Key{}
}
