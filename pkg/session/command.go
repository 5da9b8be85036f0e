// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
	"github.com/Thermoquad/kiln/pkg/reflow"
	"github.com/Thermoquad/kiln/pkg/transport"
)

// Submit queues c behind the outstanding command and returns its future.
// It never blocks: a full queue resolves the future with CommandBusy and a
// degraded or unconnected session resolves it with a link error.
//
// Stop is applied to the state machine immediately and drops queued
// setpoint updates before it is queued itself.
func (s *Session) Submit(c ovenlink.Command) *Future {
	now := s.opts.Clock()

	s.mu.Lock()
	var out reflow.Output
	var dropped []*request
	profileID := s.activeProfileLocked()
	if c.Kind == ovenlink.CommandStop {
		out = s.machine.Stop(now)
		dropped = s.dropSetpointsLocked()
	}
	f, err := s.enqueueLocked(c)
	var snap Snapshot
	if out.Transition != nil {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	s.cancelAll(dropped)
	if err != nil {
		f.resolve(Result{Command: c, Err: err})
		s.log.Debugw("command rejected", "kind", c.String(), "err", err)
		s.notifyResolved(Result{Command: c, Err: err})
	}
	if out.Transition != nil {
		s.react(out, profileID)
		s.publish(snap)
	}
	return f
}

func (s *Session) enqueueLocked(c ovenlink.Command) (*Future, error) {
	f := newFuture(c)

	switch {
	case s.closed:
		return f, ErrClosed
	case s.degraded:
		return f, degradedError()
	case s.link != transport.Connected:
		return f, notConnectedError()
	}

	if c.Kind == ovenlink.CommandStart {
		switch phase := s.machine.Phase(); {
		case phase == reflow.PhaseFault:
			return f, reflow.ErrFaulted
		case phase.Active(), s.startPendingLocked():
			return f, reflow.ErrRunning
		}
		if _, err := s.opts.Profiles.Get(c.ProfileID); err != nil {
			return f, err
		}
	}

	if s.pendingLocked() > s.opts.QueueDepth {
		return f, &CommandError{Kind: CommandBusy, Command: c}
	}

	s.queue = append(s.queue, &request{cmd: c, future: f, epoch: s.epoch, ctx: s.epochCtx})
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return f, nil
}

// startPendingLocked reports whether a Start is outstanding or queued
// without a Stop after it
func (s *Session) startPendingLocked() bool {
	pending := false
	check := func(req *request) {
		switch req.cmd.Kind {
		case ovenlink.CommandStart:
			pending = true
		case ovenlink.CommandStop:
			pending = false
		}
	}
	if s.outstanding != nil {
		check(s.outstanding)
	}
	for _, req := range s.queue {
		check(req)
	}
	return pending
}

// stopQueuedLocked reports whether a Stop waits behind the outstanding command
func (s *Session) stopQueuedLocked() bool {
	for _, req := range s.queue {
		if req.cmd.Kind == ovenlink.CommandStop {
			return true
		}
	}
	return false
}

func (s *Session) pendingLocked() int {
	n := len(s.queue)
	if s.outstanding != nil {
		n++
	}
	return n
}

func (s *Session) takePendingLocked() []*request {
	var pending []*request
	if s.outstanding != nil {
		pending = append(pending, s.outstanding)
		s.outstanding = nil
	}
	pending = append(pending, s.queue...)
	s.queue = nil
	return pending
}

func (s *Session) dropSetpointsLocked() []*request {
	var dropped []*request
	kept := s.queue[:0]
	for _, req := range s.queue {
		if req.cmd.Kind == ovenlink.CommandSetSetpoint {
			dropped = append(dropped, req)
			continue
		}
		kept = append(kept, req)
	}
	s.queue = kept
	return dropped
}

// newEpochLocked invalidates every request queued so far
func (s *Session) newEpochLocked() {
	s.epochCancel()
	s.epoch++
	s.epochCtx, s.epochCancel = context.WithCancel(context.Background())
}

func (s *Session) cancelAll(pending []*request) {
	for _, req := range pending {
		r := Result{Command: req.cmd, Err: &CommandError{Kind: CommandCancelled, Command: req.cmd}}
		if req.future.resolve(r) {
			s.notifyResolved(r)
		}
	}
}

func (s *Session) notifyResolved(r Result) {
	for _, o := range s.opts.Observers {
		o.CommandResolved(r)
	}
}

// sequence sends queued commands one at a time
func (s *Session) sequence() {
	defer s.wg.Done()

	var seq uint16
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			req := s.dequeue()
			if req == nil {
				break
			}
			seq++
			s.execute(req, seq)
		}
	}
}

func (s *Session) dequeue() *request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return nil
	}
	req := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.outstanding = req
	return req
}

func (s *Session) execute(req *request, seq uint16) {
	frame, err := ovenlink.EncodeCommand(seq, req.cmd)
	if err != nil {
		s.finish(req, Result{Seq: seq, Err: err})
		return
	}

	ctx, cancel := context.WithTimeout(req.ctx, s.opts.CommandTimeout)
	defer cancel()

	sent := time.Now()
	if err := s.t.Send(ctx, frame); err != nil {
		if req.ctx.Err() == nil {
			s.finish(req, Result{Seq: seq, Err: err})
		}
		return
	}
	s.log.Debugw("command sent", "seq", seq, "kind", req.cmd.String())

	for {
		select {
		case r := <-s.replies:
			if r.Seq != seq {
				s.log.Debugw("stale reply ignored", "seq", r.Seq, "want", seq)
				continue
			}
			res := Result{Seq: seq, RTT: time.Since(sent)}
			if !r.Ack {
				res.Err = &CommandError{Kind: CommandNack, Command: req.cmd, Code: r.Reason}
			}
			s.finish(req, res)
			return

		case <-ctx.Done():
			// A cancelled epoch was already resolved by whoever cancelled it
			if req.ctx.Err() == nil {
				s.finish(req, Result{Seq: seq, Err: &CommandError{Kind: CommandTimeout, Command: req.cmd}})
			}
			return
		}
	}
}

// finish resolves the outstanding request and applies its side effects
func (s *Session) finish(req *request, res Result) {
	res.Command = req.cmd
	now := s.opts.Clock()

	s.mu.Lock()
	if req.epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.outstanding = nil

	degrade := false
	switch {
	case errors.Is(res.Err, ErrTimeout):
		s.timeouts++
		degrade = s.timeouts >= s.opts.MaxConsecutiveTimeouts
	case res.Err == nil, errors.Is(res.Err, ErrNack):
		s.timeouts = 0
	}
	timeouts := s.timeouts

	var out reflow.Output
	var startErr error
	// A Stop submitted while Start was in flight already stopped the run
	if res.Err == nil && req.cmd.Kind == ovenlink.CommandStart && !s.stopQueuedLocked() {
		p, err := s.opts.Profiles.Get(req.cmd.ProfileID)
		if err == nil {
			out, err = s.machine.Start(p, now)
		}
		startErr = err
	}
	var snap Snapshot
	if out.Transition != nil {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if !req.future.resolve(res) {
		return
	}
	s.notifyResolved(res)

	switch {
	case res.Err == nil:
		s.log.Debugw("command acked", "seq", res.Seq, "kind", req.cmd.String(), "rtt", res.RTT)
	case errors.Is(res.Err, ErrTimeout):
		s.log.Warnw("command timed out", "seq", res.Seq, "kind", req.cmd.String(), "consecutive", timeouts)
	default:
		s.log.Warnw("command failed", "seq", res.Seq, "kind", req.cmd.String(), "err", res.Err)
	}

	switch {
	case errors.Is(startErr, reflow.ErrRunning):
		// Host and device must agree, so the local run stops with the device
		s.log.Errorw("second run acknowledged during a run, stopping", "profile", req.cmd.ProfileID)
		s.Submit(ovenlink.Stop())
	case startErr != nil:
		// The device is running a profile the host cannot follow
		s.log.Errorw("run not started after ack, stopping device", "profile", req.cmd.ProfileID, "err", startErr)
		s.mu.Lock()
		f, err := s.enqueueLocked(ovenlink.Stop())
		s.mu.Unlock()
		if err != nil {
			f.resolve(Result{Command: ovenlink.Stop(), Err: err})
		}
	}

	if out.Transition != nil {
		s.react(out, req.cmd.ProfileID)
		s.publish(snap)
	}

	if degrade {
		s.degrade(fmt.Sprintf("%d consecutive command timeouts", timeouts))
	}
}
