// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package history

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/kiln/pkg/reflow"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func TestBegin(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)

	mock.ExpectExec("INSERT INTO runs").
		WithArgs(sqlmock.AnyArg(), "sac305", t0, "running").
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := store.Begin(context.Background(), "sac305", t0)
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBegin_DBError(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)

	mock.ExpectExec("INSERT INTO runs").WillReturnError(errors.New("disk full"))

	_, err := store.Begin(context.Background(), "sac305", t0)
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendTransition(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)

	mock.ExpectExec("INSERT INTO run_transitions").
		WithArgs("run-1", t0, "PREHEAT", "SOAK", "waypoint 1 reached").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.AppendTransition(context.Background(), "run-1", reflow.Transition{
		From: reflow.PhasePreheat, To: reflow.PhaseSoak, At: t0, Reason: "waypoint 1 reached",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinish(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)

	mock.ExpectExec("UPDATE runs SET").
		WithArgs(t0, "complete", "below safe temperature", "run-1", "running").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE runs SET").
		WithArgs(t0, "aborted", "stop", "run-2", "running").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Finish(context.Background(), "run-1", StatusComplete, t0, "below safe temperature"))
	err := store.Finish(context.Background(), "run-2", StatusAborted, t0, "stop")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"id", "profile", "started_at", "ended_at", "status", "reason"}).
		AddRow("b", "sac305", t0.Add(time.Hour), nil, "running", nil).
		AddRow("a", "sn63pb37", t0, t0.Add(5*time.Minute), "complete", "below safe temperature")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, profile, started_at, ended_at, status, reason FROM runs ORDER BY started_at DESC LIMIT ?`)).
		WithArgs(10).
		WillReturnRows(rows)

	runs, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, StatusRunning, runs[0].Status)
	assert.True(t, runs[0].EndedAt.IsZero())
	assert.Zero(t, runs[0].Duration())

	assert.Equal(t, StatusComplete, runs[1].Status)
	assert.Equal(t, 5*time.Minute, runs[1].Duration())
	assert.Equal(t, "below safe temperature", runs[1].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList_ScanError(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"id", "profile", "started_at", "ended_at", "status", "reason"}).
		AddRow("a", "sac305", "not a time", nil, "running", nil)
	mock.ExpectQuery("SELECT id, profile").WillReturnRows(rows)

	_, err := store.List(context.Background(), 0)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM runs WHERE id = ?`)).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"id", "profile", "started_at", "ended_at", "status", "reason"}).
			AddRow("a", "sac305", t0, t0.Add(time.Minute), "faulted", "device fault: OVER_TEMP"))
	mock.ExpectQuery("FROM run_transitions").
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"occurred_at", "from_phase", "to_phase", "reason"}).
			AddRow(t0, "IDLE", "PREHEAT", "start").
			AddRow(t0.Add(time.Minute), "PREHEAT", "FAULT", "device fault: OVER_TEMP"))

	run, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, StatusFaulted, run.Status)
	require.Len(t, run.Transitions, 2)
	assert.Equal(t, reflow.PhasePreheat, run.Transitions[0].To)
	assert.Equal(t, reflow.PhaseFault, run.Transitions[1].To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)

	mock.ExpectQuery("FROM runs WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
