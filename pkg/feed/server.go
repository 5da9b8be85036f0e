// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package feed serves session status over HTTP and WebSocket.
//
// Endpoints:
//
//	GET /status   current status as JSON
//	GET /profiles available profiles as JSON
//	GET /ws       status stream; clients may send get, start and stop actions
//	GET /metrics  Prometheus metrics, when a gatherer is configured
//
// Every WebSocket message is an Envelope. Status pushes look like
// {"action":"get","type":"status","data":{...}}.
//
// Browsers may only connect from the feed's own host or an allowed origin.
// The start action is refused unless Options.Control is set.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
	"github.com/Thermoquad/kiln/pkg/profile"
	"github.com/Thermoquad/kiln/pkg/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 12

	clientBuffer   = 16
	commandTimeout = 5 * time.Second
)

// Controller is the part of a session the feed drives
type Controller interface {
	Snapshot() session.Snapshot
	Watch() (<-chan session.Snapshot, func())
	Submit(c ovenlink.Command) *session.Future
}

// Options configures a Server
type Options struct {
	Profiles *profile.Store

	// Gatherer enables /metrics
	Gatherer prometheus.Gatherer

	// StopOnLastClient submits Stop when the last WebSocket client leaves
	// during a run.
	StopOnLastClient bool

	// Control enables the start action. Stop is always accepted.
	Control bool

	// AllowedOrigins lists browser origins, besides the feed's own host,
	// that may open /ws and read the feed cross-origin.
	AllowedOrigins []string

	Logger *zap.SugaredLogger
	Clock  func() time.Time
}

// Server fans session snapshots out to WebSocket clients
type Server struct {
	ctl  Controller
	opts Options
	log  *zap.SugaredLogger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Envelope
}

// New creates a server for ctl
func New(ctl Controller, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	s := &Server{
		ctl:     ctl,
		opts:    opts,
		log:     opts.Logger,
		clients: make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// checkOrigin accepts clients that send no Origin (non-browser), pages
// served from the feed's own host and configured origins
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.originAllowed(origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	s.log.Warnw("feed origin refused", "origin", origin, "remote", r.RemoteAddr)
	return false
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.opts.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.allowCORS)

	r.Get("/status", s.handleStatus)
	r.Get("/profiles", s.handleProfiles)
	r.Get("/ws", s.handleWS)
	if s.opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// allowCORS lets a dashboard on a configured origin read the feed
func (s *Server) allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run broadcasts every snapshot to connected clients until ctx is done
func (s *Server) Run(ctx context.Context) error {
	snaps, unwatch := s.ctl.Watch()
	defer unwatch()

	for {
		select {
		case <-ctx.Done():
			s.closeClients()
			return ctx.Err()
		case snap, ok := <-snaps:
			if !ok {
				s.closeClients()
				return nil
			}
			s.broadcast(s.statusEnvelope(snap))
		}
	}
}

// Clients returns the number of connected WebSocket clients
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) statusEnvelope(snap session.Snapshot) Envelope {
	return Envelope{Action: "get", Type: "status", Data: NewStatus(snap, s.opts.Clock())}
}

func (s *Server) profilesEnvelope() Envelope {
	return Envelope{Action: "get", Type: "profiles", Data: s.profiles()}
}

func (s *Server) profiles() []ProfileInfo {
	out := []ProfileInfo{}
	if s.opts.Profiles == nil {
		return out
	}
	for _, id := range s.opts.Profiles.IDs() {
		p, err := s.opts.Profiles.Get(id)
		if err != nil {
			continue
		}
		info := ProfileInfo{
			ID:       p.ID(),
			Name:     p.Name(),
			Duration: p.Duration().Seconds(),
			Peak:     p.PeakTemperature(),
		}
		for _, wp := range p.Waypoints() {
			info.Waypoints = append(info.Waypoints, [2]float64{wp.Offset.Seconds(), wp.Temperature})
		}
		out = append(out, info)
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewStatus(s.ctl.Snapshot(), s.opts.Clock()))
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.profiles())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan Envelope, clientBuffer)}
	c.send <- s.statusEnvelope(s.ctl.Snapshot())

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Infow("feed client connected", "remote", r.RemoteAddr)

	go s.writeLoop(c)
	s.readLoop(c)

	if s.remove(c) == 0 {
		s.lastClientLeft()
	}
	s.log.Infow("feed client disconnected", "remote", r.RemoteAddr)
}

// remove drops c and returns how many clients remain
func (s *Server) remove(c *client) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	return len(s.clients)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) broadcast(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- env:
		default:
			// slow client; it gets the next snapshot
		}
	}
}

// reply queues env for c unless it has already been removed
func (s *Server) reply(c *client, env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	select {
	case c.send <- env:
	default:
		s.log.Warnw("feed reply dropped", "action", env.Action)
	}
}

func (s *Server) lastClientLeft() {
	if !s.opts.StopOnLastClient || !s.ctl.Snapshot().Phase.Active() {
		return
	}
	s.log.Warnw("last feed client left during a run, stopping")
	s.ctl.Submit(ovenlink.Stop())
}

func (s *Server) writeLoop(c *client) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				s.log.Debugw("feed write failed", "err", err)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(c *client) {
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req Envelope
		if err := c.conn.ReadJSON(&req); err != nil {
			var syntax *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntax) || errors.As(err, &typeErr) {
				s.reply(c, Envelope{Action: "error", Error: "invalid message: " + err.Error()})
				continue
			}
			return
		}
		s.handleAction(c, req)
	}
}

func (s *Server) handleAction(c *client, req Envelope) {
	switch req.Action {
	case "get":
		switch req.Type {
		case "status", "":
			s.reply(c, s.statusEnvelope(s.ctl.Snapshot()))
		case "profiles":
			s.reply(c, s.profilesEnvelope())
		default:
			s.reply(c, Envelope{Action: "get", Type: req.Type, Error: "cannot get " + req.Type})
		}

	case "start":
		if !s.opts.Control {
			s.reply(c, Envelope{Action: "start", Error: "control is disabled on this feed"})
			return
		}
		id, _ := req.Data.(string)
		if id == "" {
			s.reply(c, Envelope{Action: "start", Error: "start requires a profile id in data"})
			return
		}
		go s.await(c, "start", s.ctl.Submit(ovenlink.Start(id)))

	case "stop":
		go s.await(c, "stop", s.ctl.Submit(ovenlink.Stop()))

	default:
		s.reply(c, Envelope{Action: req.Action, Error: "cannot perform " + req.Action})
	}
}

// CommandResult is the data of a command reply
type CommandResult struct {
	Command string  `json:"command"`
	Seq     uint16  `json:"seq"`
	RTTMs   float64 `json:"rtt_ms"`
}

func (s *Server) await(c *client, action string, f *session.Future) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := f.Wait(ctx)
	if err == nil {
		err = res.Err
	}
	env := Envelope{Action: action, Type: "result"}
	if err != nil {
		env.Error = err.Error()
	} else {
		env.Data = CommandResult{
			Command: res.Command.String(),
			Seq:     res.Seq,
			RTTMs:   float64(res.RTT.Microseconds()) / 1000,
		}
	}
	s.reply(c, env)
}
