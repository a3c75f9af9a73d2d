// Package postgres provides the PostgreSQL-backed [prefs.Store].
//
// The store keeps one row per participant in the participant_prefs table,
// with the synth parameter set serialised as JSONB. [Migrate] runs on every
// start and is idempotent.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tonefield/jamroom/internal/prefs"
)

// Compile-time interface check.
var _ prefs.Store = (*Store)(nil)

const ddlParticipantPrefs = `
CREATE TABLE IF NOT EXISTS participant_prefs (
    participant_id TEXT         PRIMARY KEY,
    instrument     TEXT         NOT NULL,
    category       TEXT         NOT NULL,
    synth_params   JSONB        NOT NULL DEFAULT '{}',
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_participant_prefs_updated_at
    ON participant_prefs (updated_at);
`

// Migrate creates or ensures the participant_prefs table exists. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlParticipantPrefs); err != nil {
		return fmt.Errorf("prefs migrate: %w", err)
	}
	return nil
}

// Store is the PostgreSQL-backed preference store. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the PostgreSQL database at dsn, verifies the
// connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("prefs store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("prefs store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("prefs store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Get implements [prefs.Store].
func (s *Store) Get(ctx context.Context, participant string) (prefs.Record, error) {
	const q = `
		SELECT instrument, category, synth_params, updated_at
		FROM   participant_prefs
		WHERE  participant_id = $1`

	rec := prefs.Record{Participant: participant}
	var paramsJSON []byte
	err := s.pool.QueryRow(ctx, q, participant).Scan(
		&rec.Instrument,
		&rec.Category,
		&paramsJSON,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return prefs.Record{}, prefs.ErrNotFound
	}
	if err != nil {
		return prefs.Record{}, fmt.Errorf("prefs store: get: %w", err)
	}
	if err := json.Unmarshal(paramsJSON, &rec.Params); err != nil {
		return prefs.Record{}, fmt.Errorf("prefs store: unmarshal params: %w", err)
	}
	return rec, nil
}

// Put implements [prefs.Store]. Existing records are fully replaced and
// updated_at is refreshed.
func (s *Store) Put(ctx context.Context, rec prefs.Record) error {
	paramsJSON, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("prefs store: marshal params: %w", err)
	}

	const q = `
		INSERT INTO participant_prefs (participant_id, instrument, category, synth_params, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (participant_id) DO UPDATE SET
		    instrument   = EXCLUDED.instrument,
		    category     = EXCLUDED.category,
		    synth_params = EXCLUDED.synth_params,
		    updated_at   = now()`

	if _, err := s.pool.Exec(ctx, q, rec.Participant, rec.Instrument, string(rec.Category), paramsJSON); err != nil {
		return fmt.Errorf("prefs store: put: %w", err)
	}
	return nil
}

// Ping verifies the database connection, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("prefs store: ping: %w", err)
	}
	return nil
}

// Delete implements [prefs.Store].
func (s *Store) Delete(ctx context.Context, participant string) error {
	const q = `DELETE FROM participant_prefs WHERE participant_id = $1`
	if _, err := s.pool.Exec(ctx, q, participant); err != nil {
		return fmt.Errorf("prefs store: delete: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
