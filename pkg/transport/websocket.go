// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer connects to a bridge that relays controller bytes as
// binary WebSocket messages.
type WebSocketDialer struct {
	Username      string
	Password      func() (string, error)
	SkipTLSVerify bool

	// HandshakeTimeout defaults to 10s
	HandshakeTimeout time.Duration
}

// Dial implements Dialer for ws:// and wss:// tokens
func (d *WebSocketDialer) Dial(ctx context.Context, deviceID string) (Conn, error) {
	u, err := url.Parse(deviceID)
	if err != nil {
		return nil, &LinkError{Op: "dial", Kind: LinkUnreachable, Err: fmt.Errorf("invalid URL: %w", err)}
	}

	switch u.Scheme {
	case SchemeWebSocket, SchemeSecureWS:
	default:
		return nil, &LinkError{Op: "dial", Kind: LinkUnreachable, Err: fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)}
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	if u.Scheme == SchemeSecureWS {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: d.SkipTLSVerify}
	}

	headers := http.Header{}
	if d.Username != "" && d.Password != nil {
		password, err := d.Password()
		if err != nil {
			return nil, &LinkError{Op: "dial", Kind: LinkPermission, Err: err}
		}
		if password != "" {
			credentials := base64.StdEncoding.EncodeToString([]byte(d.Username + ":" + password))
			headers.Set("Authorization", "Basic "+credentials)
		}
	}

	conn, resp, err := dialer.DialContext(ctx, deviceID, headers)
	if err != nil {
		if resp != nil {
			kind := LinkUnreachable
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				kind = LinkPermission
			}
			return nil, &LinkError{Op: "dial", Kind: kind, Err: fmt.Errorf("websocket connection failed (HTTP %d): %w", resp.StatusCode, err)}
		}
		return nil, classify("dial", fmt.Errorf("websocket connection failed: %w", err))
	}

	return &wsConn{conn: conn}, nil
}

// wsConn presents a WebSocket as a byte stream. Text messages are skipped.
type wsConn struct {
	conn *websocket.Conn

	buf       []byte
	bufOffset int

	writeMu sync.Mutex
}

func (w *wsConn) Read(p []byte) (int, error) {
	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		w.buf = data
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *wsConn) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) SetWriteDeadline(t time.Time) error {
	return w.conn.SetWriteDeadline(t)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
