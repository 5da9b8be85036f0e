// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Device token schemes
const (
	SchemeSerial    = "serial"
	SchemeBLE       = "ble"
	SchemeWebSocket = "ws"
	SchemeSecureWS  = "wss"
)

// Device is a parsed device token.
//
//	serial:///dev/rfcomm0?baud=115200
//	ble://AA:BB:CC:DD:EE:FF
//	wss://bridge.local/oven
//
// A bare path is treated as a serial device.
type Device struct {
	Scheme  string
	Address string
	Params  url.Values
	Raw     string
}

// ParseDevice splits an opaque device token into scheme and address
func ParseDevice(token string) (Device, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Device{}, fmt.Errorf("empty device token")
	}

	scheme, rest, found := strings.Cut(token, "://")
	if !found {
		scheme, rest = SchemeSerial, token
	}
	scheme = strings.ToLower(scheme)

	d := Device{Scheme: scheme, Raw: token, Params: url.Values{}}
	switch scheme {
	case SchemeWebSocket, SchemeSecureWS:
		d.Address = token
	default:
		addr, query, _ := strings.Cut(rest, "?")
		if query != "" {
			params, err := url.ParseQuery(query)
			if err != nil {
				return Device{}, fmt.Errorf("invalid device parameters: %w", err)
			}
			d.Params = params
		}
		d.Address = addr
	}

	if d.Address == "" {
		return Device{}, fmt.Errorf("device token %q has no address", token)
	}
	return d, nil
}

// Schemes routes Dial to a Dialer by device token scheme
type Schemes map[string]Dialer

// Dial implements Dialer
func (m Schemes) Dial(ctx context.Context, deviceID string) (Conn, error) {
	d, err := ParseDevice(deviceID)
	if err != nil {
		return nil, &LinkError{Op: "dial", Kind: LinkUnreachable, Err: err}
	}
	dialer, ok := m[d.Scheme]
	if !ok {
		return nil, &LinkError{Op: "dial", Kind: LinkUnreachable, Err: fmt.Errorf("unsupported device scheme %q", d.Scheme)}
	}
	return dialer.Dial(ctx, deviceID)
}

// DialOptions configures the stock dialers
type DialOptions struct {
	// Baud is the default serial rate when the token has no baud parameter
	Baud int

	// Username enables HTTP Basic auth on WebSocket bridges
	Username string

	// Password is called once per WebSocket dial when Username is set
	Password func() (string, error)

	// SkipTLSVerify disables certificate checks for wss://
	SkipTLSVerify bool
}

// DefaultDialers returns the serial, BLE and WebSocket dialers keyed by scheme
func DefaultDialers(opts DialOptions) Schemes {
	ws := &WebSocketDialer{Username: opts.Username, Password: opts.Password, SkipTLSVerify: opts.SkipTLSVerify}
	return Schemes{
		SchemeSerial:    &SerialDialer{Baud: opts.Baud},
		SchemeBLE:       &BLEDialer{},
		SchemeWebSocket: ws,
		SchemeSecureWS:  ws,
	}
}
