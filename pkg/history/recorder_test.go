// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/kiln/pkg/reflow"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func step(from, to reflow.Phase, at time.Duration, reason string) reflow.Transition {
	return reflow.Transition{From: from, To: to, At: t0.Add(at), Reason: reason}
}

func TestRecorder_CompleteRun(t *testing.T) {
	store := openTemp(t)
	rec := NewRecorder(store, nil)

	for _, tr := range []reflow.Transition{
		step(reflow.PhaseIdle, reflow.PhasePreheat, 0, "start"),
		step(reflow.PhasePreheat, reflow.PhaseSoak, 61*time.Second, "waypoint 1 reached"),
		step(reflow.PhaseSoak, reflow.PhaseReflow, 150*time.Second, "waypoint 2 reached"),
		step(reflow.PhaseReflow, reflow.PhaseCooling, 240*time.Second, "profile complete"),
	} {
		rec.PhaseChanged(tr, "sac305")
	}
	id, ok := rec.Current()
	require.True(t, ok)

	rec.PhaseChanged(step(reflow.PhaseCooling, reflow.PhaseIdle, 400*time.Second, "below safe temperature"), "sac305")
	_, ok = rec.Current()
	assert.False(t, ok)

	run, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "sac305", run.Profile)
	assert.Equal(t, StatusComplete, run.Status)
	assert.Equal(t, 400*time.Second, run.Duration())
	require.Len(t, run.Transitions, 5)
	assert.Equal(t, reflow.PhaseSoak, run.Transitions[1].To)
	assert.Equal(t, t0.Add(61*time.Second), run.Transitions[1].At)
}

func TestRecorder_AbortedAndFaulted(t *testing.T) {
	store := openTemp(t)
	rec := NewRecorder(store, nil)

	rec.PhaseChanged(step(reflow.PhaseIdle, reflow.PhasePreheat, 0, "start"), "sn63pb37")
	rec.PhaseChanged(step(reflow.PhasePreheat, reflow.PhaseIdle, 10*time.Second, "stop"), "sn63pb37")

	rec.PhaseChanged(step(reflow.PhaseIdle, reflow.PhasePreheat, time.Minute, "start"), "sac305")
	rec.PhaseChanged(step(reflow.PhasePreheat, reflow.PhaseFault, 2*time.Minute, "device fault: OVER_TEMP"), "sac305")
	// clearing the fault is not part of any run
	rec.PhaseChanged(step(reflow.PhaseFault, reflow.PhaseIdle, 3*time.Minute, "stop"), "")

	runs, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "sac305", runs[0].Profile)
	assert.Equal(t, StatusFaulted, runs[0].Status)
	assert.Equal(t, "device fault: OVER_TEMP", runs[0].Reason)

	assert.Equal(t, "sn63pb37", runs[1].Profile)
	assert.Equal(t, StatusAborted, runs[1].Status)
	assert.Equal(t, "stop", runs[1].Reason)
}

func TestRecorder_IgnoresTransitionsOutsideRun(t *testing.T) {
	store := openTemp(t)
	rec := NewRecorder(store, nil)

	rec.PhaseChanged(step(reflow.PhaseIdle, reflow.PhaseFault, 0, "link lost"), "")

	runs, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
