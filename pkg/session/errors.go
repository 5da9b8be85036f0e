// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
	"github.com/Thermoquad/kiln/pkg/transport"
)

// ErrLink matches submissions rejected because the link is unavailable
// or the session is degraded. It is the transport's link sentinel.
var ErrLink = transport.ErrLink

// ErrDegraded is the cause carried by submissions rejected while degraded
var ErrDegraded = errors.New("session degraded, reconnect required")

// ErrClosed is returned after Disconnect
var ErrClosed = errors.New("session closed")

// Command error sentinels for errors.Is
var (
	ErrBusy      = errors.New("command queue full")
	ErrTimeout   = errors.New("command timed out")
	ErrCancelled = errors.New("command cancelled")
	ErrNack      = errors.New("command rejected by device")
)

// CommandErrorKind classifies how a command failed
type CommandErrorKind int

// Command error kinds
const (
	CommandBusy CommandErrorKind = iota
	CommandTimeout
	CommandCancelled
	CommandNack
)

func (k CommandErrorKind) String() string {
	switch k {
	case CommandBusy:
		return "busy"
	case CommandTimeout:
		return "timeout"
	case CommandCancelled:
		return "cancelled"
	case CommandNack:
		return "nack"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

func (k CommandErrorKind) sentinel() error {
	switch k {
	case CommandBusy:
		return ErrBusy
	case CommandTimeout:
		return ErrTimeout
	case CommandCancelled:
		return ErrCancelled
	default:
		return ErrNack
	}
}

// CommandError resolves a command future that did not get an ACK
type CommandError struct {
	Kind    CommandErrorKind
	Command ovenlink.Command

	// Code is the device's reason, set for CommandNack
	Code ovenlink.NackReason
}

// Error implements the error interface
func (e *CommandError) Error() string {
	if e.Kind == CommandNack {
		return fmt.Sprintf("%s: %s (%s)", e.Command, e.Kind.sentinel(), ovenlink.FormatNackReason(e.Code))
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Kind.sentinel())
}

// Is matches the sentinel for the error's kind
func (e *CommandError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func degradedError() error {
	return &transport.LinkError{Op: "submit", Kind: transport.LinkNotConnected, Err: ErrDegraded}
}

func notConnectedError() error {
	return &transport.LinkError{Op: "submit", Kind: transport.LinkNotConnected}
}
