// Package prefs persists each participant's last successful instrument
// selection so a reconnecting participant comes back with the sound they
// left with.
//
// The canonical implementation is [postgres.Store]; [Memory] backs
// deployments without a database and tests.
package prefs

import (
	"context"
	"errors"
	"time"

	"github.com/tonefield/jamroom/pkg/instrument"
)

// ErrNotFound is returned by [Store.Get] when no record exists for the
// participant.
var ErrNotFound = errors.New("prefs: not found")

// Record is one participant's persisted instrument selection. Params holds
// the synth parameter set in effect when the record was written; sampler and
// drum engines persist their gain through the same structure.
type Record struct {
	Participant string
	Instrument  string
	Category    instrument.Category
	Params      instrument.Params
	UpdatedAt   time.Time
}

// Store persists participant instrument preferences. Implementations must be
// safe for concurrent use.
type Store interface {
	// Get returns the record for participant, or [ErrNotFound].
	Get(ctx context.Context, participant string) (Record, error)

	// Put inserts or replaces the record keyed by rec.Participant.
	Put(ctx context.Context, rec Record) error

	// Delete removes participant's record. Deleting an absent record is
	// not an error.
	Delete(ctx context.Context, participant string) error
}
