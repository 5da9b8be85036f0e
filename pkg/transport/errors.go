// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ErrLink matches any *LinkError with errors.Is
var ErrLink = errors.New("link error")

// ErrIdle is the cause of a Lost transition raised by the idle watchdog
var ErrIdle = errors.New("no data received within idle timeout")

// LinkErrorKind classifies link failures
type LinkErrorKind int

// Link error kinds
const (
	LinkTimeout LinkErrorKind = iota
	LinkPermission
	LinkHardwareAbsent
	LinkNotConnected
	LinkClosed
	LinkUnreachable
)

func (k LinkErrorKind) String() string {
	switch k {
	case LinkTimeout:
		return "timeout"
	case LinkPermission:
		return "permission denied"
	case LinkHardwareAbsent:
		return "hardware absent"
	case LinkNotConnected:
		return "not connected"
	case LinkClosed:
		return "closed"
	case LinkUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// LinkError is returned by Transport operations
type LinkError struct {
	Op   string
	Kind LinkErrorKind
	Err  error
}

// Error implements the error interface
func (e *LinkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause
func (e *LinkError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrLink
func (e *LinkError) Is(target error) bool {
	return target == ErrLink
}

// KindOf returns the kind of a LinkError anywhere in err's chain
func KindOf(err error) (LinkErrorKind, bool) {
	var le *LinkError
	if errors.As(err, &le) {
		return le.Kind, true
	}
	return 0, false
}

// classify wraps err in a LinkError for op, keeping an existing LinkError
func classify(op string, err error) error {
	var le *LinkError
	if errors.As(err, &le) {
		return err
	}

	kind := LinkUnreachable
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, ErrIdle):
		kind = LinkTimeout
	case errors.Is(err, fs.ErrPermission):
		kind = LinkPermission
	case errors.Is(err, fs.ErrNotExist):
		kind = LinkHardwareAbsent
	case errors.Is(err, fs.ErrClosed):
		kind = LinkClosed
	}
	return &LinkError{Op: op, Kind: kind, Err: err}
}
