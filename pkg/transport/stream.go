// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults for StreamOptions
const (
	DefaultIdleTimeout    = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultEventBuffer    = 256
	readBufferSize        = 256
)

// StreamOptions configures a Stream
type StreamOptions struct {
	// IdleTimeout raises Lost when nothing is received for this long.
	// Zero uses DefaultIdleTimeout; negative disables the watchdog.
	IdleTimeout time.Duration

	// ConnectTimeout bounds a single Dial
	ConnectTimeout time.Duration

	// EventBuffer is the Events channel capacity
	EventBuffer int

	Logger *zap.SugaredLogger
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.IdleTimeout == 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

// Stream is a Transport over any Conn a Dialer can open. After a Lost
// transition Connect may be called again; after Disconnect it is finished.
type Stream struct {
	dialer Dialer
	opts   StreamOptions
	log    *zap.SugaredLogger

	mu       sync.Mutex
	state    LinkState
	device   string
	conn     Conn
	gen      uint64
	watchdog *time.Timer
	closed   bool

	writeMu sync.Mutex

	emitMu sync.Mutex
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewStream returns a disconnected Stream that dials through d
func NewStream(d Dialer, opts StreamOptions) *Stream {
	opts = opts.withDefaults()
	return &Stream{
		dialer: d,
		opts:   opts,
		log:    opts.Logger,
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
	}
}

// Events implements Transport
func (s *Stream) Events() <-chan Event {
	return s.events
}

// State returns the current link state
func (s *Stream) State() LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect implements Transport. It returns nil without dialing when the
// link is already Connecting or Connected.
func (s *Stream) Connect(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &LinkError{Op: "connect", Kind: LinkClosed}
	}
	if s.state == Connecting || s.state == Connected {
		s.mu.Unlock()
		return nil
	}
	s.state = Connecting
	s.device = deviceID
	s.mu.Unlock()

	s.emitState(Connecting, nil)
	s.log.Debugw("dialing", "device", deviceID)

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(dialCtx, deviceID)
	if err != nil {
		if dialCtx.Err() != nil && ctx.Err() == nil {
			err = context.DeadlineExceeded
		}
		err = classify("connect", err)

		s.mu.Lock()
		if !s.closed {
			s.state = Disconnected
		}
		s.mu.Unlock()

		s.emitState(Disconnected, err)
		s.log.Warnw("connect failed", "device", deviceID, "err", err)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return &LinkError{Op: "connect", Kind: LinkClosed}
	}
	s.gen++
	gen := s.gen
	s.conn = conn
	s.state = Connected
	if s.opts.IdleTimeout > 0 {
		s.watchdog = time.AfterFunc(s.opts.IdleTimeout, func() {
			s.lose(gen, ErrIdle)
		})
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.emitState(Connected, nil)
	s.log.Infow("connected", "device", deviceID)

	go s.readLoop(conn, gen)
	return nil
}

// Send implements Transport
func (s *Stream) Send(ctx context.Context, p []byte) error {
	s.mu.Lock()
	conn := s.conn
	device := s.device
	connected := s.state == Connected
	s.mu.Unlock()

	if !connected || conn == nil {
		return &LinkError{Op: "send", Kind: LinkNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return classify("send", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		if d, ok := conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
			if err := d.SetWriteDeadline(dl); err != nil {
				s.log.Debugw("write deadline not set", "device", device, "err", err)
			}
		}
	}

	if _, err := conn.Write(p); err != nil {
		return classify("send", err)
	}
	return nil
}

// Disconnect implements Transport. It closes the link, emits a final
// Disconnected event and closes the Events channel.
func (s *Stream) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.state = Disconnected
	s.mu.Unlock()

	s.wg.Wait()

	s.emitMu.Lock()
	select {
	case s.events <- Event{Kind: EventState, State: Disconnected, At: time.Now()}:
	default:
	}
	close(s.events)
	s.emitMu.Unlock()

	s.log.Infow("disconnected", "device", s.device)
	return err
}

func (s *Stream) readLoop(conn Conn, gen uint64) {
	defer s.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			if s.gen == gen && s.watchdog != nil {
				s.watchdog.Reset(s.opts.IdleTimeout)
			}
			s.mu.Unlock()

			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.emit(Event{Kind: EventData, Data: chunk, At: time.Now()})
		}
		if err != nil {
			s.lose(gen, err)
			return
		}
	}
}

// lose moves a live connection generation to Lost. Stale generations and
// deliberate disconnects are ignored.
func (s *Stream) lose(gen uint64, cause error) {
	s.mu.Lock()
	if s.closed || s.gen != gen || s.state != Connected {
		s.mu.Unlock()
		return
	}
	s.state = Lost
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	conn := s.conn
	s.conn = nil
	device := s.device
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	err := classify("read", cause)
	s.log.Warnw("link lost", "device", device, "err", err)
	s.emitState(Lost, err)
}

func (s *Stream) emitState(state LinkState, err error) {
	s.emit(Event{Kind: EventState, State: state, Err: err, At: time.Now()})
}

func (s *Stream) emit(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.events <- ev:
	case <-s.done:
	}
}
