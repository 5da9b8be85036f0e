// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package history persists reflow runs and their phase transitions to SQLite
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Thermoquad/kiln/pkg/reflow"
)

// ErrNotFound is returned by Get for an unknown run id
var ErrNotFound = errors.New("history: run not found")

// Status is the outcome of a run
type Status string

// Run statuses
const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusAborted  Status = "aborted"
	StatusFaulted  Status = "faulted"
)

// Run is one recorded profile execution
type Run struct {
	ID        string
	Profile   string
	StartedAt time.Time
	// EndedAt is zero while the run is in progress
	EndedAt     time.Time
	Status      Status
	Reason      string
	Transitions []reflow.Transition
}

// Duration returns how long the run lasted, or zero while it is in progress
func (r Run) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Store reads and writes runs
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database. Use Open to create one with the schema applied.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Begin inserts a running run and returns its id
func (s *Store) Begin(ctx context.Context, profileID string, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, profile, started_at, status)
		VALUES (?, ?, ?, ?)
	`, id, profileID, at.UTC(), string(StatusRunning))
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// AppendTransition records a phase transition against a run
func (s *Store) AppendTransition(ctx context.Context, runID string, tr reflow.Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_transitions (run_id, occurred_at, from_phase, to_phase, reason)
		VALUES (?, ?, ?, ?, ?)
	`, runID, tr.At.UTC(), tr.From.String(), tr.To.String(), tr.Reason)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Finish closes a running run with a final status
func (s *Store) Finish(ctx context.Context, runID string, status Status, at time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET ended_at = ?, status = ?, reason = ?
		WHERE id = ? AND status = ?
	`, at.UTC(), string(status), reason, runID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrNotFound)
	}
	return nil
}

const selectRuns = `SELECT id, profile, started_at, ended_at, status, reason FROM runs`

// List returns the most recent runs, newest first. A limit of zero or less
// returns every run.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	q := selectRuns + " ORDER BY started_at DESC"
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Run, 0, 16)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a run with its transitions in order
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+" WHERE id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, from_phase, to_phase, reason FROM run_transitions
		WHERE run_id = ? ORDER BY occurred_at ASC
	`, id)
	if err != nil {
		return Run{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tr       reflow.Transition
			from, to string
			reason   sql.NullString
		)
		if err := rows.Scan(&tr.At, &from, &to, &reason); err != nil {
			return Run{}, err
		}
		tr.At = tr.At.UTC()
		if tr.From, err = reflow.ParsePhase(from); err != nil {
			return Run{}, err
		}
		if tr.To, err = reflow.ParsePhase(to); err != nil {
			return Run{}, err
		}
		tr.Reason = reason.String
		r.Transitions = append(r.Transitions, tr)
	}
	if err := rows.Err(); err != nil {
		return Run{}, err
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r      Run
		status string
		ended  sql.NullTime
		reason sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Profile, &r.StartedAt, &ended, &status, &reason); err != nil {
		return Run{}, err
	}
	r.StartedAt = r.StartedAt.UTC()
	if ended.Valid {
		r.EndedAt = ended.Time.UTC()
	}
	r.Status = Status(status)
	r.Reason = reason.String
	return r, nil
}
