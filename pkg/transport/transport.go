// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport carries raw bytes between the host and an oven
// controller over a paired wireless link (Bluetooth SPP, BLE UART) or a
// WebSocket bridge, and reports link-state changes.
package transport

import (
	"context"
	"fmt"
	"io"
	"time"
)

// LinkState is the state of the link to the device
type LinkState int

// Link states
const (
	Disconnected LinkState = iota
	Connecting
	Connected
	Lost
)

func (s LinkState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Lost:
		return "LOST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// EventKind discriminates transport events
type EventKind int

// Event kinds
const (
	EventData EventKind = iota
	EventState
)

// Event is either a received byte chunk or a link-state change
type Event struct {
	Kind EventKind

	// Data is set for EventData. The slice is owned by the receiver.
	Data []byte

	// State and Err are set for EventState. Err explains a Lost or failed
	// Connecting transition.
	State LinkState
	Err   error

	At time.Time
}

// Transport is a byte-stream link to one device.
//
// Events delivers received chunks and state changes in order until
// Disconnect is called, after which the channel is closed and the
// transport cannot be reused.
type Transport interface {
	Connect(ctx context.Context, deviceID string) error
	Send(ctx context.Context, p []byte) error
	Events() <-chan Event
	Disconnect() error
}

// Conn is an open link as returned by a Dialer
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dialer opens a Conn to the device named by an opaque token
type Dialer interface {
	Dial(ctx context.Context, deviceID string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, deviceID string) (Conn, error)

// Dial calls f
func (f DialerFunc) Dial(ctx context.Context, deviceID string) (Conn, error) {
	return f(ctx, deviceID)
}
