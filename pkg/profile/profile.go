// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package profile holds reflow profile definitions: ordered time/temperature
// waypoints that the reflow state machine follows.
package profile

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Device-safe temperature bounds
const (
	MinTemperature = 0.0
	MaxTemperature = 300.0
)

// MinWaypoints is the smallest usable profile: a start point and one target
const MinWaypoints = 2

// ErrInvalidProfile matches any *InvalidProfileError with errors.Is
var ErrInvalidProfile = errors.New("invalid profile")

// ErrNotFound is returned when a profile id is not registered
var ErrNotFound = errors.New("profile not found")

// InvalidProfileError describes why a profile was refused
type InvalidProfileError struct {
	ID     string
	Reason string
}

// Error implements the error interface
func (e *InvalidProfileError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid profile: %s", e.Reason)
	}
	return fmt.Sprintf("invalid profile %q: %s", e.ID, e.Reason)
}

// Is reports whether target is ErrInvalidProfile
func (e *InvalidProfileError) Is(target error) bool {
	return target == ErrInvalidProfile
}

// Waypoint is a target temperature at an offset from the start of a run
type Waypoint struct {
	Offset      time.Duration
	Temperature float64
}

// Profile is an immutable reflow curve. Use New to build a validated one.
type Profile struct {
	id        string
	name      string
	waypoints []Waypoint
}

// New validates the waypoints and returns a profile.
// Offsets must be strictly increasing and temperatures within device-safe bounds.
func New(id, name string, waypoints []Waypoint) (*Profile, error) {
	if id == "" {
		return nil, &InvalidProfileError{Reason: "missing id"}
	}
	if len(waypoints) < MinWaypoints {
		return nil, &InvalidProfileError{ID: id, Reason: fmt.Sprintf("need at least %d waypoints, got %d", MinWaypoints, len(waypoints))}
	}

	for i, wp := range waypoints {
		if wp.Offset < 0 {
			return nil, &InvalidProfileError{ID: id, Reason: fmt.Sprintf("waypoint %d has negative offset %s", i, wp.Offset)}
		}
		if i > 0 && wp.Offset <= waypoints[i-1].Offset {
			return nil, &InvalidProfileError{ID: id, Reason: fmt.Sprintf("waypoint %d offset %s is not after %s", i, wp.Offset, waypoints[i-1].Offset)}
		}
		if math.IsNaN(wp.Temperature) || wp.Temperature < MinTemperature || wp.Temperature > MaxTemperature {
			return nil, &InvalidProfileError{ID: id, Reason: fmt.Sprintf("waypoint %d temperature %.1f°C outside %.0f-%.0f°C", i, wp.Temperature, MinTemperature, MaxTemperature)}
		}
	}

	if name == "" {
		name = id
	}

	wps := make([]Waypoint, len(waypoints))
	copy(wps, waypoints)
	return &Profile{id: id, name: name, waypoints: wps}, nil
}

// ID returns the profile identifier
func (p *Profile) ID() string {
	return p.id
}

// Name returns the display name
func (p *Profile) Name() string {
	return p.name
}

// Len returns the number of waypoints
func (p *Profile) Len() int {
	return len(p.waypoints)
}

// Waypoint returns the i-th waypoint
func (p *Profile) Waypoint(i int) Waypoint {
	return p.waypoints[i]
}

// Waypoints returns a copy of the waypoints
func (p *Profile) Waypoints() []Waypoint {
	wps := make([]Waypoint, len(p.waypoints))
	copy(wps, p.waypoints)
	return wps
}

// Duration returns the offset of the last waypoint
func (p *Profile) Duration() time.Duration {
	return p.waypoints[len(p.waypoints)-1].Offset
}

// PeakTemperature returns the highest waypoint temperature
func (p *Profile) PeakTemperature() float64 {
	peak := p.waypoints[0].Temperature
	for _, wp := range p.waypoints[1:] {
		peak = math.Max(peak, wp.Temperature)
	}
	return peak
}
