// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"sync"
	"time"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
)

// Result is the outcome of a submitted command
type Result struct {
	Command ovenlink.Command
	Seq     uint16

	// RTT is the time from send to reply; zero when never sent
	RTT time.Duration

	// Err is nil on ACK, a *CommandError or a link error otherwise
	Err error
}

// Future is the pending result of a submitted command. It resolves
// exactly once.
type Future struct {
	command ovenlink.Command

	once   sync.Once
	done   chan struct{}
	result Result
}

func newFuture(c ovenlink.Command) *Future {
	return &Future{command: c, done: make(chan struct{})}
}

// resolve reports whether this call set the result
func (f *Future) resolve(r Result) bool {
	set := false
	f.once.Do(func() {
		f.result = r
		close(f.done)
		set = true
	})
	return set
}

// Command returns the submitted command
func (f *Future) Command() ovenlink.Command {
	return f.command
}

// Done is closed once the result is available
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome if the future has resolved
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks for the outcome. It returns the command error, or ctx's
// error if ctx ends first; the command itself is not cancelled by ctx.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.result.Err
	case <-ctx.Done():
		return Result{Command: f.command}, ctx.Err()
	}
}
