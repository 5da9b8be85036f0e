// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ovenlink

import (
	"errors"
	"fmt"
)

// FrameErrorKind classifies recoverable decode failures
type FrameErrorKind int

// Frame error kinds
const (
	FrameTruncated FrameErrorKind = iota
	FrameChecksumMismatch
	FrameUnknownType
	FrameMalformed
)

// String returns the name of the frame error kind
func (k FrameErrorKind) String() string {
	switch k {
	case FrameTruncated:
		return "truncated"
	case FrameChecksumMismatch:
		return "checksum_mismatch"
	case FrameUnknownType:
		return "unknown_type"
	case FrameMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("frame_error(%d)", int(k))
	}
}

// ErrFrame matches any *FrameError with errors.Is
var ErrFrame = errors.New("ovenlink: frame error")

// ErrSyncLost matches *SyncLostError with errors.Is
var ErrSyncLost = errors.New("ovenlink: synchronization lost")

// FrameError reports a single dropped frame. Frame errors are recoverable:
// the decoder has already resynchronized when one is returned.
type FrameError struct {
	Kind    FrameErrorKind
	MsgType uint8
	Detail  string
}

// Error implements the error interface
func (e *FrameError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("ovenlink: %s frame", e.Kind)
	}
	return fmt.Sprintf("ovenlink: %s frame: %s", e.Kind, e.Detail)
}

// Is reports whether target is ErrFrame
func (e *FrameError) Is(target error) bool {
	return target == ErrFrame
}

// SyncLostError is returned when more than the configured number of bytes
// were discarded without finding a valid frame. It indicates a link-quality
// problem rather than a single bad frame.
type SyncLostError struct {
	Discarded int
}

// Error implements the error interface
func (e *SyncLostError) Error() string {
	return fmt.Sprintf("ovenlink: synchronization lost after %d discarded bytes", e.Discarded)
}

// Is reports whether target is ErrSyncLost
func (e *SyncLostError) Is(target error) bool {
	return target == ErrSyncLost
}

// FrameErrorKindOf returns the kind of a frame error, or false if err is not one
func FrameErrorKindOf(err error) (FrameErrorKind, bool) {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
