// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package reflow

import "fmt"

// Phase is a reflow state machine state
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhasePreheat
	PhaseSoak
	PhaseReflow
	PhaseCooling
	PhaseFault
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhasePreheat:
		return "PREHEAT"
	case PhaseSoak:
		return "SOAK"
	case PhaseReflow:
		return "REFLOW"
	case PhaseCooling:
		return "COOLING"
	case PhaseFault:
		return "FAULT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", p)
	}
}

// ParsePhase is the inverse of Phase.String
func ParsePhase(s string) (Phase, error) {
	for p := PhaseIdle; p <= PhaseFault; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return PhaseIdle, fmt.Errorf("unknown phase %q", s)
}

// Active reports whether the phase is part of a run in progress
func (p Phase) Active() bool {
	switch p {
	case PhasePreheat, PhaseSoak, PhaseReflow, PhaseCooling:
		return true
	}
	return false
}

// Heating reports whether the phase follows a profile segment
func (p Phase) Heating() bool {
	switch p {
	case PhasePreheat, PhaseSoak, PhaseReflow:
		return true
	}
	return false
}

// segmentPhase maps profile segment i (waypoint i to i+1) to its phase.
// The first segment is preheat, the second soak, everything after reflow.
func segmentPhase(segment int) Phase {
	switch segment {
	case 0:
		return PhasePreheat
	case 1:
		return PhaseSoak
	default:
		return PhaseReflow
	}
}
