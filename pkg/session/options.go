// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
	"github.com/Thermoquad/kiln/pkg/profile"
	"github.com/Thermoquad/kiln/pkg/reflow"
	"github.com/Thermoquad/kiln/pkg/transport"
)

// Defaults for Options
const (
	DefaultQueueDepth             = 8
	DefaultCommandTimeout         = 2 * time.Second
	DefaultMaxConsecutiveTimeouts = 3
	DefaultSubscriberBuffer       = 64
)

// Options configures a Session
type Options struct {
	// Profiles resolves Start commands. A nil store rejects every Start.
	Profiles *profile.Store

	Reflow reflow.Config

	// QueueDepth bounds commands waiting behind the outstanding one
	QueueDepth int

	CommandTimeout         time.Duration
	MaxConsecutiveTimeouts int

	// SubscriberBuffer is the channel capacity for Subscribe and Watch
	SubscriberBuffer int

	// MaxUnsynced is the codec's discarded-byte limit before sync loss
	MaxUnsynced int

	Observers []Observer
	Logger    *zap.SugaredLogger

	// Clock stamps telemetry and run starts; it must be monotonic
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.MaxConsecutiveTimeouts <= 0 {
		o.MaxConsecutiveTimeouts = DefaultMaxConsecutiveTimeouts
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if o.MaxUnsynced <= 0 {
		o.MaxUnsynced = ovenlink.DefaultMaxUnsynced
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Observer receives session events. Methods are called from session
// goroutines outside the session lock and must not block.
type Observer interface {
	LinkChanged(state transport.LinkState, err error)
	TelemetryReceived(t ovenlink.Telemetry)
	FrameError(err error)
	CommandResolved(r Result)
	PhaseChanged(tr reflow.Transition, profileID string)
}

// NopObserver implements Observer with no-ops; embed it to handle a subset
type NopObserver struct{}

func (NopObserver) LinkChanged(transport.LinkState, error) {}
func (NopObserver) TelemetryReceived(ovenlink.Telemetry) {}
func (NopObserver) FrameError(error) {}
func (NopObserver) CommandResolved(Result) {}
func (NopObserver) PhaseChanged(reflow.Transition, string) {}
