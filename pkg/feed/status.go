// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package feed

import (
	"time"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
	"github.com/Thermoquad/kiln/pkg/reflow"
	"github.com/Thermoquad/kiln/pkg/session"
	"github.com/Thermoquad/kiln/pkg/transport"
)

// Job status values
const (
	JobIdle    = "idle"
	JobRunning = "running"
	JobFaulted = "faulted"
)

// Envelope wraps every message on the feed in both directions
type Envelope struct {
	Action string `json:"action"`
	Type   string `json:"type,omitempty"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Status is the JSON view of a session snapshot
type Status struct {
	Connection ConnectionStatus `json:"connection"`
	Job        JobStatus        `json:"job"`
	Oven       OvenStatus       `json:"oven"`
}

type ConnectionStatus struct {
	Device    string `json:"device"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Degraded  bool   `json:"degraded"`
	Pending   int    `json:"pending"`
}

type JobStatus struct {
	Status         string     `json:"status"`
	Profile        string     `json:"profile,omitempty"`
	Phase          string     `json:"phase"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	ElapsedSeconds float64    `json:"elapsed_seconds"`
	PhaseSeconds   float64    `json:"phase_seconds"`
	Setpoint       *float64   `json:"setpoint,omitempty"`
	FaultReason    string     `json:"fault_reason,omitempty"`
}

type OvenStatus struct {
	LatestTemp    *float64 `json:"latest_temp,omitempty"`
	HeaterDuty    uint8    `json:"heater_duty"`
	Fault         string   `json:"fault"`
	UptimeSeconds float64  `json:"uptime_seconds"`
}

// NewStatus converts a snapshot; elapsed times are measured to now
func NewStatus(snap session.Snapshot, now time.Time) Status {
	st := Status{
		Connection: ConnectionStatus{
			Device:    snap.Device,
			State:     snap.Link.String(),
			Connected: snap.Link == transport.Connected && !snap.Degraded,
			Degraded:  snap.Degraded,
			Pending:   snap.Pending,
		},
		Job: JobStatus{
			Status:      JobIdle,
			Profile:     snap.ActiveProfile,
			Phase:       snap.Phase.String(),
			FaultReason: snap.FaultReason,
		},
		Oven: OvenStatus{Fault: ovenlink.FormatFault(ovenlink.FaultNone)},
	}

	switch {
	case snap.Phase == reflow.PhaseFault:
		st.Job.Status = JobFaulted
	case snap.Phase.Active():
		st.Job.Status = JobRunning
		start := snap.RunStart
		st.Job.StartTime = &start
		st.Job.ElapsedSeconds = now.Sub(snap.RunStart).Seconds()
		st.Job.PhaseSeconds = now.Sub(snap.PhaseEntry).Seconds()
	}
	if snap.HasSetpoint {
		sp := snap.Setpoint
		st.Job.Setpoint = &sp
	}

	if t := snap.LastTelemetry; t != nil {
		temp := t.TemperatureCelsius
		st.Oven.LatestTemp = &temp
		st.Oven.HeaterDuty = t.HeaterDutyPercent
		st.Oven.Fault = ovenlink.FormatFault(t.Fault)
		st.Oven.UptimeSeconds = t.DeviceUptime.Seconds()
	}
	return st
}

// ProfileInfo describes a profile for clients choosing a run
type ProfileInfo struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Duration  float64      `json:"duration_seconds"`
	Peak      float64      `json:"peak"`
	Waypoints [][2]float64 `json:"waypoints"`
}
