// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// pipeDialer hands the host end of a net.Pipe to the Stream and the
// device end to the test.
func pipeDialer() (Dialer, <-chan net.Conn, *int32) {
	devices := make(chan net.Conn, 4)
	var dials int32
	d := DialerFunc(func(ctx context.Context, deviceID string) (Conn, error) {
		atomic.AddInt32(&dials, 1)
		host, device := net.Pipe()
		devices <- device
		return host, nil
	})
	return d, devices, &dials
}

func nextEvent(t *testing.T, s *Stream) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectState(t *testing.T, s *Stream, want LinkState) Event {
	t.Helper()
	ev := nextEvent(t, s)
	require.Equal(t, EventState, ev.Kind)
	require.Equal(t, want, ev.State, "got %s", ev.State)
	return ev
}

func connect(t *testing.T, s *Stream, devices <-chan net.Conn) net.Conn {
	t.Helper()
	require.NoError(t, s.Connect(context.Background(), "pipe"))
	expectState(t, s, Connecting)
	expectState(t, s, Connected)
	return <-devices
}

// ============================================================================
// Stream Tests
// ============================================================================

func TestStream_ReceiveAndSend(t *testing.T) {
	d, devices, _ := pipeDialer()
	s := NewStream(d, StreamOptions{IdleTimeout: -1})
	defer s.Disconnect()

	device := connect(t, s, devices)
	assert.Equal(t, Connected, s.State())

	go device.Write([]byte("hello"))
	ev := nextEvent(t, s)
	require.Equal(t, EventData, ev.Kind)
	assert.Equal(t, []byte("hello"), ev.Data)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := device.Read(buf)
		got <- buf[:n]
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Send(ctx, []byte("ping")))
	assert.Equal(t, []byte("ping"), <-got)
}

func TestStream_SendNotConnected(t *testing.T) {
	d, _, _ := pipeDialer()
	s := NewStream(d, StreamOptions{})
	defer s.Disconnect()

	err := s.Send(context.Background(), []byte{0x7E})
	require.ErrorIs(t, err, ErrLink)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, LinkNotConnected, kind)
}

func TestStream_IdleWatchdog(t *testing.T) {
	d, devices, _ := pipeDialer()
	s := NewStream(d, StreamOptions{IdleTimeout: 50 * time.Millisecond})
	defer s.Disconnect()

	connect(t, s, devices)

	ev := expectState(t, s, Lost)
	assert.ErrorIs(t, ev.Err, ErrIdle)
	kind, _ := KindOf(ev.Err)
	assert.Equal(t, LinkTimeout, kind)
	assert.Equal(t, Lost, s.State())
}

func TestStream_DataDefersWatchdog(t *testing.T) {
	d, devices, _ := pipeDialer()
	s := NewStream(d, StreamOptions{IdleTimeout: 150 * time.Millisecond})
	defer s.Disconnect()

	device := connect(t, s, devices)

	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		go device.Write([]byte{byte(i)})
		ev := nextEvent(t, s)
		require.Equal(t, EventData, ev.Kind, "link dropped after %d chunks", i)
	}
	assert.Equal(t, Connected, s.State())
}

func TestStream_SeveredLink(t *testing.T) {
	d, devices, _ := pipeDialer()
	s := NewStream(d, StreamOptions{IdleTimeout: -1})
	defer s.Disconnect()

	device := connect(t, s, devices)
	device.Close()

	ev := expectState(t, s, Lost)
	assert.ErrorIs(t, ev.Err, io.EOF)
	assert.NotErrorIs(t, ev.Err, ErrIdle)

	err := s.Send(context.Background(), []byte{1})
	kind, _ := KindOf(err)
	assert.Equal(t, LinkNotConnected, kind)
}

func TestStream_ReconnectAfterLost(t *testing.T) {
	d, devices, dials := pipeDialer()
	s := NewStream(d, StreamOptions{IdleTimeout: -1})
	defer s.Disconnect()

	first := connect(t, s, devices)
	first.Close()
	expectState(t, s, Lost)

	second := connect(t, s, devices)
	go second.Write([]byte("again"))
	ev := nextEvent(t, s)
	assert.Equal(t, []byte("again"), ev.Data)
	assert.EqualValues(t, 2, atomic.LoadInt32(dials))
}

func TestStream_ConnectIdempotent(t *testing.T) {
	d, devices, dials := pipeDialer()
	s := NewStream(d, StreamOptions{IdleTimeout: -1})
	defer s.Disconnect()

	connect(t, s, devices)
	require.NoError(t, s.Connect(context.Background(), "pipe"))
	assert.EqualValues(t, 1, atomic.LoadInt32(dials))
}

func TestStream_DialFailureKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want LinkErrorKind
	}{
		{"permission", fs.ErrPermission, LinkPermission},
		{"absent", fs.ErrNotExist, LinkHardwareAbsent},
		{"refused", errors.New("connection refused"), LinkUnreachable},
		{"typed", &LinkError{Op: "dial", Kind: LinkHardwareAbsent}, LinkHardwareAbsent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStream(DialerFunc(func(ctx context.Context, id string) (Conn, error) {
				return nil, tt.err
			}), StreamOptions{})
			defer s.Disconnect()

			err := s.Connect(context.Background(), "x")
			require.ErrorIs(t, err, ErrLink)
			kind, _ := KindOf(err)
			assert.Equal(t, tt.want, kind)

			expectState(t, s, Connecting)
			ev := expectState(t, s, Disconnected)
			assert.Equal(t, err, ev.Err)
			assert.Equal(t, Disconnected, s.State())
		})
	}
}

func TestStream_ConnectTimeout(t *testing.T) {
	s := NewStream(DialerFunc(func(ctx context.Context, id string) (Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), StreamOptions{ConnectTimeout: 20 * time.Millisecond})
	defer s.Disconnect()

	err := s.Connect(context.Background(), "slow")
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, LinkTimeout, kind)
}

// deadlineConn refuses write deadlines but still writes
type deadlineConn struct {
	net.Conn
}

func (c deadlineConn) SetWriteDeadline(time.Time) error {
	return errors.New("deadline unsupported")
}

func TestStream_WriteDeadlineErrorLogged(t *testing.T) {
	devices := make(chan net.Conn, 1)
	d := DialerFunc(func(ctx context.Context, deviceID string) (Conn, error) {
		host, device := net.Pipe()
		devices <- device
		return deadlineConn{Conn: host}, nil
	})
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewStream(d, StreamOptions{IdleTimeout: -1, Logger: zap.New(core).Sugar()})
	defer s.Disconnect()

	device := connect(t, s, devices)
	go func() {
		buf := make([]byte, 8)
		_, _ = io.ReadFull(device, buf[:4])
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Send(ctx, []byte("ping")))

	entries := logs.FilterMessage("write deadline not set").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "pipe", entries[0].ContextMap()["device"])
	assert.Equal(t, "deadline unsupported", entries[0].ContextMap()["err"])
}

func TestStream_Disconnect(t *testing.T) {
	d, devices, _ := pipeDialer()
	s := NewStream(d, StreamOptions{IdleTimeout: -1})

	connect(t, s, devices)
	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())

	ev := expectState(t, s, Disconnected)
	assert.NoError(t, ev.Err)

	_, ok := <-s.Events()
	assert.False(t, ok, "events channel closed after disconnect")

	err := s.Connect(context.Background(), "pipe")
	kind, _ := KindOf(err)
	assert.Equal(t, LinkClosed, kind)
}

// ============================================================================
// Device Token Tests
// ============================================================================

func TestParseDevice(t *testing.T) {
	tests := []struct {
		token   string
		scheme  string
		address string
		baud    string
	}{
		{"serial:///dev/rfcomm0?baud=57600", SchemeSerial, "/dev/rfcomm0", "57600"},
		{"/dev/ttyUSB0", SchemeSerial, "/dev/ttyUSB0", ""},
		{"ble://AA:BB:CC:DD:EE:FF", SchemeBLE, "AA:BB:CC:DD:EE:FF", ""},
		{"BLE://aa:bb:cc:dd:ee:ff", SchemeBLE, "aa:bb:cc:dd:ee:ff", ""},
		{"ws://bridge.local:8080/oven", SchemeWebSocket, "ws://bridge.local:8080/oven", ""},
		{"wss://bridge.local/oven", SchemeSecureWS, "wss://bridge.local/oven", ""},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			d, err := ParseDevice(tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, d.Scheme)
			assert.Equal(t, tt.address, d.Address)
			assert.Equal(t, tt.baud, d.Params.Get("baud"))
		})
	}
}

func TestParseDevice_Invalid(t *testing.T) {
	for _, token := range []string{"", "  ", "ble://", "serial://?baud=9600"} {
		_, err := ParseDevice(token)
		assert.Error(t, err, "token %q", token)
	}
}

func TestSchemes_Unsupported(t *testing.T) {
	_, err := Schemes{}.Dial(context.Background(), "usb://0")
	require.ErrorIs(t, err, ErrLink)
	assert.Contains(t, err.Error(), `unsupported device scheme "usb"`)
}

func TestSchemes_Routes(t *testing.T) {
	var got string
	m := Schemes{SchemeSerial: DialerFunc(func(ctx context.Context, id string) (Conn, error) {
		got = id
		return nil, errors.New("stop")
	})}
	_, err := m.Dial(context.Background(), "/dev/rfcomm1")
	require.Error(t, err)
	assert.Equal(t, "/dev/rfcomm1", got)
}

func TestSerialDialer_BadBaud(t *testing.T) {
	_, err := (&SerialDialer{}).Dial(context.Background(), "serial:///dev/null?baud=fast")
	require.ErrorIs(t, err, ErrLink)
	assert.Contains(t, err.Error(), "invalid baud")
}

// ============================================================================
// WebSocket Tests
// ============================================================================

func bridgeServer(t *testing.T, handle func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketDialer_Bridge(t *testing.T) {
	received := make(chan []byte, 1)
	srv := bridgeServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("status"))
		conn.WriteMessage(websocket.BinaryMessage, []byte{0x7E, 0x01, 0x02})
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- data
		}
	})

	d := &WebSocketDialer{Username: "admin", Password: func() (string, error) { return "secret", nil }}
	conn, err := d.Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 2)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7E, 0x01}, buf[:n], "text frames are skipped")

	n, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02}, buf[:n], "remainder of the message is buffered")

	_, err = conn.Write([]byte{0xAA})
	require.NoError(t, err)
	select {
	case data := <-received:
		assert.Equal(t, []byte{0xAA}, data)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not receive write")
	}
}

func TestWebSocketDialer_Unauthorized(t *testing.T) {
	srv := bridgeServer(t, func(conn *websocket.Conn) {})

	d := &WebSocketDialer{Username: "admin", Password: func() (string, error) { return "wrong", nil }}
	_, err := d.Dial(context.Background(), wsURL(srv))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, LinkPermission, kind)
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestWebSocketDialer_BadScheme(t *testing.T) {
	_, err := (&WebSocketDialer{}).Dial(context.Background(), "http://example.com")
	assert.ErrorIs(t, err, ErrLink)
}

func TestStream_OverWebSocket(t *testing.T) {
	srv := bridgeServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, []byte("telemetry"))
		conn.ReadMessage()
	})

	dialers := DefaultDialers(DialOptions{Username: "admin", Password: func() (string, error) { return "secret", nil }})
	s := NewStream(dialers, StreamOptions{IdleTimeout: -1})
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background(), wsURL(srv)))
	expectState(t, s, Connecting)
	expectState(t, s, Connected)

	ev := nextEvent(t, s)
	require.Equal(t, EventData, ev.Kind)
	assert.Equal(t, []byte("telemetry"), ev.Data)
}

func TestAdvertisement_Token(t *testing.T) {
	a := Advertisement{Address: "AA:BB:CC:DD:EE:FF"}
	assert.Equal(t, "ble://AA:BB:CC:DD:EE:FF", a.Token())
}
