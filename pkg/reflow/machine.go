// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package reflow implements the reflow state machine. It is pure
// computation: callers feed it commands and telemetry with their
// timestamps and act on the transitions and setpoints it returns.
package reflow

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
	"github.com/Thermoquad/kiln/pkg/profile"
)

// Default tuning
const (
	DefaultTolerance       = 3.0
	DefaultDebounce        = 3 * time.Second
	DefaultSafeTemperature = 50.0
	DefaultHysteresis      = 1.0
)

var (
	// ErrFaulted is returned by Start while the machine is latched in Fault
	ErrFaulted = errors.New("reflow: machine is faulted, stop before starting")

	// ErrRunning is returned by Start while a run is in progress
	ErrRunning = errors.New("reflow: run already in progress")
)

// Config tunes transition detection and setpoint output
type Config struct {
	// Tolerance is the band around a waypoint target that counts as reached
	Tolerance float64

	// Debounce is how long a condition must hold before a transition
	Debounce time.Duration

	// SafeTemperature ends cooling once the oven is below it
	SafeTemperature float64

	// Hysteresis suppresses setpoint updates smaller than this
	Hysteresis float64
}

// DefaultConfig returns the stock tuning
func DefaultConfig() Config {
	return Config{
		Tolerance:       DefaultTolerance,
		Debounce:        DefaultDebounce,
		SafeTemperature: DefaultSafeTemperature,
		Hysteresis:      DefaultHysteresis,
	}
}

func (c Config) withDefaults() Config {
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.Debounce < 0 {
		c.Debounce = DefaultDebounce
	}
	if c.SafeTemperature <= 0 {
		c.SafeTemperature = DefaultSafeTemperature
	}
	if c.Hysteresis < 0 {
		c.Hysteresis = DefaultHysteresis
	}
	return c
}

// Transition records a phase change
type Transition struct {
	From   Phase
	To     Phase
	At     time.Time
	Reason string
}

func (t Transition) String() string {
	return fmt.Sprintf("%s -> %s (%s)", t.From, t.To, t.Reason)
}

// Output is what a machine step asks the caller to do
type Output struct {
	// Transition is set when the phase changed
	Transition *Transition

	// Setpoint is the new heater target; valid when HasSetpoint is true
	Setpoint    float64
	HasSetpoint bool
}

// Machine is the reflow state machine. It is not safe for concurrent use.
type Machine struct {
	cfg Config

	phase   Phase
	profile *profile.Profile
	reason  string

	runStart     time.Time
	phaseEntry   time.Time
	segment      int
	segmentStart time.Time

	holding   bool
	holdStart time.Time

	setpoint    float64
	hasSetpoint bool
}

// New returns an idle machine
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg.withDefaults()}
}

// Phase returns the current phase
func (m *Machine) Phase() Phase {
	return m.phase
}

// Profile returns the active profile, nil when idle
func (m *Machine) Profile() *profile.Profile {
	return m.profile
}

// FaultReason returns why the machine entered Fault
func (m *Machine) FaultReason() string {
	return m.reason
}

// Segment returns the index of the profile segment being followed
func (m *Machine) Segment() int {
	return m.segment
}

// RunStart returns when the current run started
func (m *Machine) RunStart() time.Time {
	return m.runStart
}

// PhaseEntry returns when the current phase was entered
func (m *Machine) PhaseEntry() time.Time {
	return m.phaseEntry
}

// Setpoint returns the last setpoint emitted
func (m *Machine) Setpoint() (float64, bool) {
	return m.setpoint, m.hasSetpoint
}

// Start begins following p. Only valid from Idle.
func (m *Machine) Start(p *profile.Profile, now time.Time) (Output, error) {
	switch {
	case m.phase == PhaseFault:
		return Output{}, ErrFaulted
	case m.phase.Active():
		return Output{}, ErrRunning
	case p == nil:
		return Output{}, errors.New("reflow: nil profile")
	}

	m.profile = p
	m.runStart = now
	m.segment = 0
	m.segmentStart = now
	m.holding = false
	m.hasSetpoint = false
	m.reason = ""

	out := Output{Transition: m.enter(PhasePreheat, now, "start")}
	m.emit(&out, p.Waypoint(0).Temperature)
	return out, nil
}

// Stop returns to Idle from any phase, clearing a latched fault
func (m *Machine) Stop(now time.Time) Output {
	if m.phase == PhaseIdle {
		return Output{}
	}
	m.reset()
	return Output{Transition: m.enter(PhaseIdle, now, "stop")}
}

// Fail latches the machine in Fault. Fault is left only through Stop.
func (m *Machine) Fail(reason string, now time.Time) Output {
	if m.phase == PhaseFault {
		return Output{}
	}
	m.reason = reason
	m.holding = false
	return Output{Transition: m.enter(PhaseFault, now, reason)}
}

// Tick advances the machine with one telemetry sample. The sample
// timestamp is the clock; ticks must be fed in arrival order.
func (m *Machine) Tick(t ovenlink.Telemetry) Output {
	now := t.Timestamp

	if t.HasFault() {
		return m.Fail("device fault: "+ovenlink.FormatFault(t.Fault), now)
	}

	switch {
	case m.phase.Heating():
		return m.tickSegment(t.TemperatureCelsius, now)
	case m.phase == PhaseCooling:
		return m.tickCooling(t.TemperatureCelsius, now)
	}
	return Output{}
}

func (m *Machine) tickSegment(temp float64, now time.Time) Output {
	from := m.profile.Waypoint(m.segment)
	to := m.profile.Waypoint(m.segment + 1)
	span := to.Offset - from.Offset

	var out Output

	m.hold(m.reached(from.Temperature, to.Temperature, temp), now)
	if m.holding && now.Sub(m.holdStart) >= m.cfg.Debounce && now.Sub(m.segmentStart) >= span {
		m.segment++
		m.segmentStart = now
		m.holding = false

		if m.segment >= m.profile.Len()-1 {
			out.Transition = m.enter(PhaseCooling, now, "profile complete")
			m.emit(&out, 0)
			return out
		}

		if next := segmentPhase(m.segment); next != m.phase {
			out.Transition = m.enter(next, now, fmt.Sprintf("waypoint %d reached", m.segment))
		}

		from = m.profile.Waypoint(m.segment)
		to = m.profile.Waypoint(m.segment + 1)
		span = to.Offset - from.Offset
	}

	progress := float64(now.Sub(m.segmentStart)) / float64(span)
	progress = math.Max(0, math.Min(1, progress))
	m.emit(&out, from.Temperature+(to.Temperature-from.Temperature)*progress)
	return out
}

func (m *Machine) tickCooling(temp float64, now time.Time) Output {
	m.hold(temp < m.cfg.SafeTemperature, now)
	if m.holding && now.Sub(m.holdStart) >= m.cfg.Debounce {
		m.reset()
		return Output{Transition: m.enter(PhaseIdle, now, "below safe temperature")}
	}
	return Output{}
}

// reached reports whether temp satisfies a segment ending at target. A
// falling segment is satisfied anywhere at or below the band.
func (m *Machine) reached(start, target, temp float64) bool {
	if target < start {
		return temp <= target+m.cfg.Tolerance
	}
	return math.Abs(temp-target) <= m.cfg.Tolerance
}

func (m *Machine) hold(cond bool, now time.Time) {
	switch {
	case !cond:
		m.holding = false
	case !m.holding:
		m.holding = true
		m.holdStart = now
	}
}

func (m *Machine) emit(out *Output, setpoint float64) {
	if m.hasSetpoint && math.Abs(setpoint-m.setpoint) <= m.cfg.Hysteresis {
		return
	}
	m.setpoint = setpoint
	m.hasSetpoint = true
	out.Setpoint = setpoint
	out.HasSetpoint = true
}

func (m *Machine) enter(phase Phase, now time.Time, reason string) *Transition {
	t := &Transition{From: m.phase, To: phase, At: now, Reason: reason}
	m.phase = phase
	m.phaseEntry = now
	return t
}

func (m *Machine) reset() {
	m.profile = nil
	m.reason = ""
	m.segment = 0
	m.holding = false
	m.hasSetpoint = false
	m.setpoint = 0
}
