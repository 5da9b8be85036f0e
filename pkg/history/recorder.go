// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/kiln/pkg/reflow"
	"github.com/Thermoquad/kiln/pkg/session"
)

const writeTimeout = 2 * time.Second

// Recorder is a session.Observer that stores every run the session drives.
// A run opens on entering preheat and closes on the first transition back
// to idle or into fault.
type Recorder struct {
	session.NopObserver

	store *Store
	log   *zap.SugaredLogger

	mu      sync.Mutex
	current string
}

var _ session.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder writing to store
func NewRecorder(store *Store, log *zap.SugaredLogger) *Recorder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Recorder{store: store, log: log}
}

// Current returns the id of the run in progress, if any
func (r *Recorder) Current() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.current != ""
}

// PhaseChanged implements session.Observer
func (r *Recorder) PhaseChanged(tr reflow.Transition, profileID string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	if tr.To == reflow.PhasePreheat && !tr.From.Active() {
		if r.current != "" {
			r.finish(ctx, StatusAborted, tr.At, "superseded")
		}
		id, err := r.store.Begin(ctx, profileID, tr.At)
		if err != nil {
			r.log.Errorw("failed to record run start", "profile", profileID, "err", err)
			return
		}
		r.current = id
		r.log.Debugw("run recorded", "run", id, "profile", profileID)
	}
	if r.current == "" {
		return
	}

	if err := r.store.AppendTransition(ctx, r.current, tr); err != nil {
		r.log.Errorw("failed to record transition", "run", r.current, "transition", tr.String(), "err", err)
	}

	switch {
	case tr.To == reflow.PhaseFault:
		r.finish(ctx, StatusFaulted, tr.At, tr.Reason)
	case tr.To == reflow.PhaseIdle && tr.From == reflow.PhaseCooling:
		r.finish(ctx, StatusComplete, tr.At, tr.Reason)
	case tr.To == reflow.PhaseIdle:
		r.finish(ctx, StatusAborted, tr.At, tr.Reason)
	}
}

func (r *Recorder) finish(ctx context.Context, status Status, at time.Time, reason string) {
	if err := r.store.Finish(ctx, r.current, status, at, reason); err != nil {
		r.log.Errorw("failed to record run end", "run", r.current, "status", string(status), "err", err)
	}
	r.current = ""
}
