// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package session owns the link to one oven controller. It sequences
// commands with at most one outstanding at a time, fans decoded
// telemetry out to subscribers and drives the reflow state machine.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
	"github.com/Thermoquad/kiln/pkg/reflow"
	"github.com/Thermoquad/kiln/pkg/transport"
)

// replyBuffer holds ACK/NACK records between the event pump and the
// sequencer. Replies that do not fit are stale by construction.
const replyBuffer = 16

// Snapshot is a read-only view of session state
type Snapshot struct {
	Link     transport.LinkState
	Degraded bool
	Device   string

	// LastTelemetry is nil until the first telemetry frame
	LastTelemetry *ovenlink.Telemetry

	ActiveProfile string
	Phase         reflow.Phase
	FaultReason   string
	Setpoint      float64
	HasSetpoint   bool
	RunStart      time.Time
	PhaseEntry    time.Time

	// Pending counts the outstanding command and those queued behind it
	Pending int
}

type request struct {
	cmd    ovenlink.Command
	future *Future
	epoch  uint64
	ctx    context.Context
}

// Session manages one device link. Create with New; all methods are safe
// for concurrent use.
type Session struct {
	t    transport.Transport
	opts Options
	log  *zap.SugaredLogger

	// owned by the pump goroutine
	decoder *ovenlink.Decoder

	mu          sync.Mutex
	link        transport.LinkState
	degraded    bool
	closed      bool
	device      string
	last        *ovenlink.Telemetry
	machine     *reflow.Machine
	stats       *ovenlink.Statistics
	queue       []*request
	outstanding *request
	timeouts    int
	epoch       uint64
	epochCtx    context.Context
	epochCancel context.CancelFunc
	connecting  chan struct{}
	subs        map[int]chan ovenlink.Telemetry
	watchers    map[int]chan Snapshot
	nextID      int

	replies chan ovenlink.Reply
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a session over t and starts its event pump and command
// sequencer. The session takes ownership of t.
func New(t transport.Transport, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		t:        t,
		opts:     opts,
		log:      opts.Logger,
		decoder:  ovenlink.NewDecoder(ovenlink.WithMaxUnsynced(opts.MaxUnsynced), ovenlink.WithClock(opts.Clock)),
		machine:  reflow.New(opts.Reflow),
		stats:    ovenlink.NewStatistics(),
		subs:     make(map[int]chan ovenlink.Telemetry),
		watchers: make(map[int]chan Snapshot),
		replies:  make(chan ovenlink.Reply, replyBuffer),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.epochCtx, s.epochCancel = context.WithCancel(context.Background())

	s.wg.Add(2)
	go s.pump()
	go s.sequence()
	return s
}

// Connect brings the link up. It is a no-op while the link is Connecting
// or Connected, and clears a degraded state.
func (s *Session) Connect(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	if s.link == transport.Connected {
		if s.degraded {
			s.degraded = false
			s.timeouts = 0
			s.log.Infow("session recovered", "device", s.device)
		}
		s.mu.Unlock()
		return nil
	}

	if ready := s.connecting; ready != nil {
		s.mu.Unlock()
		return s.awaitConnected(ctx, ready)
	}

	ready := make(chan struct{})
	s.connecting = ready
	s.device = deviceID
	s.degraded = false
	s.timeouts = 0
	s.mu.Unlock()

	s.log.Infow("connecting", "device", deviceID)
	if err := s.t.Connect(ctx, deviceID); err != nil {
		s.mu.Lock()
		if s.connecting == ready {
			close(ready)
			s.connecting = nil
		}
		s.mu.Unlock()
		return err
	}
	return s.awaitConnected(ctx, ready)
}

// awaitConnected waits for the pump to observe the Connected event so
// the link state is always the transport's.
func (s *Session) awaitConnected(ctx context.Context, ready <-chan struct{}) error {
	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != transport.Connected {
		return notConnectedError()
	}
	return nil
}

// Disconnect cancels every pending command, resolving each with
// CommandCancelled before returning, then tears down the transport.
// The session cannot be reused.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.takePendingLocked()
	s.epochCancel()
	close(s.done)
	device := s.device
	s.mu.Unlock()

	s.cancelAll(pending)
	err := s.t.Disconnect()
	s.wg.Wait()

	s.mu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
	s.mu.Unlock()

	s.log.Infow("session closed", "device", device, "cancelled", len(pending))
	return err
}

// Snapshot returns the current session state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Statistics returns a copy of the codec statistics with rates computed
func (s *Session) Statistics() ovenlink.Statistics {
	s.mu.Lock()
	stats := *s.stats
	s.mu.Unlock()

	stats.CalculateRates()
	return stats
}

// Subscribe returns a channel of decoded telemetry in arrival order and
// a function that ends the subscription. A subscriber that falls a full
// buffer behind misses samples rather than stalling others.
func (s *Session) Subscribe() (<-chan ovenlink.Telemetry, func()) {
	ch := make(chan ovenlink.Telemetry, s.opts.SubscriberBuffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Watch returns a channel of snapshots, starting with the current one and
// followed by one per link, telemetry or phase change.
func (s *Session) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, s.opts.SubscriberBuffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	ch <- s.snapshotLocked()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
	}
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		Link:        s.link,
		Degraded:    s.degraded,
		Device:      s.device,
		Phase:       s.machine.Phase(),
		FaultReason: s.machine.FaultReason(),
		RunStart:    s.machine.RunStart(),
		PhaseEntry:  s.machine.PhaseEntry(),
		Pending:     s.pendingLocked(),
	}
	if s.last != nil {
		t := *s.last
		snap.LastTelemetry = &t
	}
	if p := s.machine.Profile(); p != nil {
		snap.ActiveProfile = p.ID()
	}
	snap.Setpoint, snap.HasSetpoint = s.machine.Setpoint()
	return snap
}

func (s *Session) activeProfileLocked() string {
	if p := s.machine.Profile(); p != nil {
		return p.ID()
	}
	return ""
}

func (s *Session) publish(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- snap:
		default:
		}
	}
}

// degrade rejects new submissions until Connect, cancels pending
// commands and faults the state machine.
func (s *Session) degrade(reason string) {
	now := s.opts.Clock()

	s.mu.Lock()
	if s.degraded || s.closed {
		s.mu.Unlock()
		return
	}
	s.degraded = true
	pending := s.takePendingLocked()
	s.newEpochLocked()
	profileID := s.activeProfileLocked()
	out := s.machine.Fail(reason, now)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Errorw("session degraded", "device", snap.Device, "reason", reason, "cancelled", len(pending))
	s.cancelAll(pending)
	s.react(out, profileID)
	s.publish(snap)
}

// react logs and reports a machine transition and submits its setpoint
func (s *Session) react(out reflow.Output, profileID string) {
	if tr := out.Transition; tr != nil {
		if tr.To == reflow.PhaseFault {
			s.log.Errorw("phase transition", "phase", tr.To.String(), "from", tr.From.String(), "reason", tr.Reason)
		} else {
			s.log.Infow("phase transition", "phase", tr.To.String(), "from", tr.From.String(), "reason", tr.Reason)
		}
		for _, o := range s.opts.Observers {
			o.PhaseChanged(*tr, profileID)
		}
	}

	if out.HasSetpoint {
		f := s.Submit(ovenlink.SetSetpoint(out.Setpoint))
		if r, ok := f.Result(); ok && r.Err != nil {
			s.log.Warnw("setpoint not sent", "setpoint", out.Setpoint, "err", r.Err)
		}
	}
}
