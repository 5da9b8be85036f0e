// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
	"github.com/Thermoquad/kiln/pkg/reflow"
	"github.com/Thermoquad/kiln/pkg/transport"
)

// fakeTransport is an in-memory device. Commands written by the session
// are decoded and optionally answered by reply.
type fakeTransport struct {
	mu         sync.Mutex
	events     chan transport.Event
	decoder    *ovenlink.Decoder
	connected  bool
	closed     bool
	connects   int
	connectErr error
	reply      func(rec ovenlink.Record) [][]byte

	sent chan ovenlink.Record
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:  make(chan transport.Event, 1024),
		decoder: ovenlink.NewDecoder(),
		sent:    make(chan ovenlink.Record, 1024),
	}
}

func (f *fakeTransport) emitLocked(ev transport.Event) {
	if !f.closed {
		f.events <- ev
	}
}

func (f *fakeTransport) Connect(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	if f.connected {
		return nil
	}
	f.connected = true
	f.emitLocked(transport.Event{Kind: transport.EventState, State: transport.Connecting})
	f.emitLocked(transport.Event{Kind: transport.EventState, State: transport.Connected})
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return &transport.LinkError{Op: "send", Kind: transport.LinkNotConnected}
	}

	records, _ := f.decoder.Feed(p)
	for _, rec := range records {
		f.sent <- rec
		if f.reply == nil {
			continue
		}
		for _, frame := range f.reply(rec) {
			f.emitLocked(transport.Event{Kind: transport.EventData, Data: frame})
		}
	}
	return nil
}

func (f *fakeTransport) Events() <-chan transport.Event {
	return f.events
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.connected = false
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) setReply(fn func(rec ovenlink.Record) [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = fn
}

func (f *fakeTransport) deliver(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitLocked(transport.Event{Kind: transport.EventData, Data: data})
}

func (f *fakeTransport) lose(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.emitLocked(transport.Event{Kind: transport.EventState, State: transport.Lost, Err: err})
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// nextSent returns the next command the session wrote
func (f *fakeTransport) nextSent(t *testing.T) ovenlink.Record {
	t.Helper()
	select {
	case rec := <-f.sent:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sent command")
	}
	return ovenlink.Record{}
}

func ackAll(rec ovenlink.Record) [][]byte {
	frame, _ := ovenlink.EncodeAck(rec.Seq)
	return [][]byte{frame}
}

// fakeClock is a settable monotonic stand-in
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// recorder is an Observer that keeps everything it sees
type recorder struct {
	mu          sync.Mutex
	links       []transport.LinkState
	telemetry   []ovenlink.Telemetry
	frameErrors []error
	results     []Result
	transitions []reflow.Transition
}

func (r *recorder) LinkChanged(state transport.LinkState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links = append(r.links, state)
}

func (r *recorder) TelemetryReceived(t ovenlink.Telemetry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telemetry = append(r.telemetry, t)
}

func (r *recorder) FrameError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frameErrors = append(r.frameErrors, err)
}

func (r *recorder) CommandResolved(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) PhaseChanged(tr reflow.Transition, profileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, tr)
}

func (r *recorder) phases() []reflow.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []reflow.Phase
	for _, tr := range r.transitions {
		out = append(out, tr.To)
	}
	return out
}

func (r *recorder) resolvedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

// newConnected returns a connected session over a fake transport
func newConnected(t *testing.T, opts Options) (*Session, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	s := New(ft, opts)
	t.Cleanup(func() { s.Disconnect() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx, "fake://oven"))
	return s, ft
}

func wait(t *testing.T, f *Future) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future did not resolve")
	return res, err
}
