// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package feed

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/kiln/pkg/metrics"
	"github.com/Thermoquad/kiln/pkg/ovenlink"
	"github.com/Thermoquad/kiln/pkg/profile"
	"github.com/Thermoquad/kiln/pkg/reflow"
	"github.com/Thermoquad/kiln/pkg/session"
	"github.com/Thermoquad/kiln/pkg/transport"
)

// oven is a simulated controller on the far end of a net.Pipe. It ACKs
// every command and reports what it received.
type oven struct {
	conn     net.Conn
	commands chan ovenlink.Command
}

func (o *oven) serve() {
	dec := ovenlink.NewDecoder()
	buf := make([]byte, 256)
	for {
		n, err := o.conn.Read(buf)
		if err != nil {
			return
		}
		records, _ := dec.Feed(buf[:n])
		for _, r := range records {
			if r.Kind != ovenlink.RecordCommand {
				continue
			}
			ack, _ := ovenlink.EncodeAck(r.Seq)
			if _, err := o.conn.Write(ack); err != nil {
				return
			}
			select {
			case o.commands <- r.Command:
			default:
			}
		}
	}
}

func (o *oven) telemetry(t *testing.T, celsius float64) {
	t.Helper()
	frame, err := ovenlink.EncodeTelemetry(ovenlink.Telemetry{TemperatureCelsius: celsius, HeaterDutyPercent: 30, DeviceUptime: time.Minute})
	require.NoError(t, err)
	_, err = o.conn.Write(frame)
	require.NoError(t, err)
}

// waitCommand returns the next command of kind, skipping setpoint updates
func (o *oven) waitCommand(t *testing.T, kind ovenlink.CommandKind) ovenlink.Command {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-o.commands:
			if c.Kind == kind {
				return c
			}
		case <-deadline:
			t.Fatalf("no %s command received", kind)
		}
	}
}

type fixture struct {
	sess   *session.Session
	oven   *oven
	server *Server
	http   *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	ov := &oven{commands: make(chan ovenlink.Command, 64)}
	dialer := transport.DialerFunc(func(ctx context.Context, deviceID string) (transport.Conn, error) {
		host, device := net.Pipe()
		ov.conn = device
		go ov.serve()
		return host, nil
	})
	stream := transport.NewStream(dialer, transport.StreamOptions{IdleTimeout: -1})

	store, err := profile.NewStore(profile.Builtin()...)
	require.NoError(t, err)

	sess := session.New(stream, session.Options{Profiles: store})
	require.NoError(t, sess.Connect(context.Background(), "pipe"))

	opts.Profiles = store
	srv := New(sess, opts)
	hs := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		hs.Close()
		_ = sess.Disconnect()
	})
	return &fixture{sess: sess, oven: ov, server: srv, http: hs}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type rawEnvelope struct {
	Action string          `json:"action"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

// readUntil reads envelopes until match returns true
func readUntil(t *testing.T, conn *websocket.Conn, match func(rawEnvelope) bool) rawEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env rawEnvelope
		require.NoError(t, conn.ReadJSON(&env))
		if match(env) {
			return env
		}
	}
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, Options{})

	f.oven.telemetry(t, 42.5)
	require.Eventually(t, func() bool {
		return f.sess.Snapshot().LastTelemetry != nil
	}, 2*time.Second, 10*time.Millisecond)

	var st Status
	getJSON(t, f.http.URL+"/status", &st)

	assert.True(t, st.Connection.Connected)
	assert.Equal(t, "pipe", st.Connection.Device)
	assert.Equal(t, JobIdle, st.Job.Status)
	assert.Equal(t, "IDLE", st.Job.Phase)
	require.NotNil(t, st.Oven.LatestTemp)
	assert.Equal(t, 42.5, *st.Oven.LatestTemp)
	assert.Equal(t, uint8(30), st.Oven.HeaterDuty)
	assert.Equal(t, 60.0, st.Oven.UptimeSeconds)
}

func TestProfilesEndpoint(t *testing.T) {
	f := newFixture(t, Options{})

	var profiles []ProfileInfo
	getJSON(t, f.http.URL+"/profiles", &profiles)

	ids := make([]string, 0, len(profiles))
	for _, p := range profiles {
		ids = append(ids, p.ID)
		assert.NotEmpty(t, p.Waypoints)
	}
	assert.Contains(t, ids, "sac305")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.New(reg)
	require.NoError(t, err)
	f := newFixture(t, Options{Gatherer: reg})

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "kiln_link_state")
}

func TestMetricsDisabled(t *testing.T) {
	f := newFixture(t, Options{})

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoutesMethodsAndCORS(t *testing.T) {
	f := newFixture(t, Options{AllowedOrigins: []string{"http://dash.local:3000/"}})

	resp, err := http.Post(f.http.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/status", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp = preflight("http://dash.local:3000")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://dash.local:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = preflight("http://evil.example")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func dialWithOrigin(t *testing.T, f *fixture, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{origin}})
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func TestWebSocket_ForeignOriginRefused(t *testing.T) {
	f := newFixture(t, Options{Control: true})

	conn, resp, err := dialWithOrigin(t, f, "http://evil.example")
	require.Error(t, err)
	assert.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, f.server.Clients())

	select {
	case c := <-f.oven.commands:
		t.Fatalf("oven received %s from a refused origin", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebSocket_AcceptedOrigins(t *testing.T) {
	f := newFixture(t, Options{AllowedOrigins: []string{"https://dash.example"}})

	// Same host as the feed itself
	conn, _, err := dialWithOrigin(t, f, f.http.URL)
	require.NoError(t, err)
	readUntil(t, conn, func(e rawEnvelope) bool { return e.Type == "status" })

	conn, _, err = dialWithOrigin(t, f, "https://dash.example")
	require.NoError(t, err)
	readUntil(t, conn, func(e rawEnvelope) bool { return e.Type == "status" })
}

func TestWebSocket_StartNeedsControl(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Envelope{Action: "start", Data: "sac305"}))
	env := readUntil(t, conn, func(e rawEnvelope) bool { return e.Action == "start" })
	assert.Contains(t, env.Error, "control is disabled")
	assert.Equal(t, reflow.PhaseIdle, f.sess.Snapshot().Phase)

	select {
	case c := <-f.oven.commands:
		t.Fatalf("oven received %s with control disabled", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebSocket_InitialStatus(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t)

	env := readUntil(t, conn, func(rawEnvelope) bool { return true })
	assert.Equal(t, "get", env.Action)
	assert.Equal(t, "status", env.Type)

	var st Status
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, "CONNECTED", st.Connection.State)
}

func TestWebSocket_GetProfiles(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Envelope{Action: "get", Type: "profiles"}))
	env := readUntil(t, conn, func(e rawEnvelope) bool { return e.Type == "profiles" })

	var profiles []ProfileInfo
	require.NoError(t, json.Unmarshal(env.Data, &profiles))
	assert.NotEmpty(t, profiles)
}

func TestWebSocket_StartAndStop(t *testing.T) {
	f := newFixture(t, Options{Control: true})
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Envelope{Action: "start", Data: "sac305"}))
	env := readUntil(t, conn, func(e rawEnvelope) bool { return e.Action == "start" && e.Type == "result" })
	require.Empty(t, env.Error)

	var res CommandResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "Start(sac305)", res.Command)
	assert.Equal(t, "sac305", f.oven.waitCommand(t, ovenlink.CommandStart).ProfileID)
	assert.Equal(t, reflow.PhasePreheat, f.sess.Snapshot().Phase)

	require.NoError(t, conn.WriteJSON(Envelope{Action: "stop"}))
	env = readUntil(t, conn, func(e rawEnvelope) bool { return e.Action == "stop" && e.Type == "result" })
	assert.Empty(t, env.Error)
	f.oven.waitCommand(t, ovenlink.CommandStop)
	assert.Equal(t, reflow.PhaseIdle, f.sess.Snapshot().Phase)
}

func TestWebSocket_StartUnknownProfile(t *testing.T) {
	f := newFixture(t, Options{Control: true})
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Envelope{Action: "start", Data: "nope"}))
	env := readUntil(t, conn, func(e rawEnvelope) bool { return e.Action == "start" })
	assert.Contains(t, env.Error, "not found")
}

func TestWebSocket_BadRequests(t *testing.T) {
	f := newFixture(t, Options{Control: true})
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Envelope{Action: "learn"}))
	env := readUntil(t, conn, func(e rawEnvelope) bool { return e.Action == "learn" })
	assert.Equal(t, "cannot perform learn", env.Error)

	require.NoError(t, conn.WriteJSON(Envelope{Action: "start"}))
	env = readUntil(t, conn, func(e rawEnvelope) bool { return e.Action == "start" })
	assert.Contains(t, env.Error, "profile id")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	env = readUntil(t, conn, func(e rawEnvelope) bool { return e.Action == "error" })
	assert.Contains(t, env.Error, "invalid message")
}

func TestRun_BroadcastsSnapshots(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.server.Run(ctx) }()

	conn := f.dial(t)
	require.Eventually(t, func() bool { return f.server.Clients() == 1 }, time.Second, 5*time.Millisecond)

	f.oven.telemetry(t, 123.0)
	env := readUntil(t, conn, func(e rawEnvelope) bool {
		if e.Type != "status" {
			return false
		}
		var st Status
		return json.Unmarshal(e.Data, &st) == nil && st.Oven.LatestTemp != nil
	})
	var st Status
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, 123.0, *st.Oven.LatestTemp)
}

func TestStopOnLastClient(t *testing.T) {
	f := newFixture(t, Options{StopOnLastClient: true})

	res, err := f.sess.Submit(ovenlink.Start("sac305")).Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	f.oven.waitCommand(t, ovenlink.CommandStart)

	conn := f.dial(t)
	require.Eventually(t, func() bool { return f.server.Clients() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())

	f.oven.waitCommand(t, ovenlink.CommandStop)
	assert.Equal(t, reflow.PhaseIdle, f.sess.Snapshot().Phase)
}

func TestNewStatus_Running(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := session.Snapshot{
		Link:          transport.Connected,
		Device:        "ble://AA:BB:CC:DD:EE:FF",
		ActiveProfile: "sac305",
		Phase:         reflow.PhaseSoak,
		Setpoint:      160,
		HasSetpoint:   true,
		RunStart:      start,
		PhaseEntry:    start.Add(90 * time.Second),
	}

	st := NewStatus(snap, start.Add(2*time.Minute))
	assert.Equal(t, JobRunning, st.Job.Status)
	assert.Equal(t, "SOAK", st.Job.Phase)
	assert.Equal(t, 120.0, st.Job.ElapsedSeconds)
	assert.Equal(t, 30.0, st.Job.PhaseSeconds)
	require.NotNil(t, st.Job.Setpoint)
	assert.Equal(t, 160.0, *st.Job.Setpoint)
	assert.Nil(t, st.Oven.LatestTemp)
	assert.Equal(t, "NONE", st.Oven.Fault)
}

func TestNewStatus_FaultedAndDegraded(t *testing.T) {
	snap := session.Snapshot{
		Link:        transport.Lost,
		Degraded:    true,
		Phase:       reflow.PhaseFault,
		FaultReason: "link lost",
	}

	st := NewStatus(snap, time.Now())
	assert.Equal(t, JobFaulted, st.Job.Status)
	assert.False(t, st.Connection.Connected)
	assert.True(t, st.Connection.Degraded)
	assert.Nil(t, st.Job.StartTime)
	assert.Equal(t, "link lost", st.Job.FaultReason)
}
