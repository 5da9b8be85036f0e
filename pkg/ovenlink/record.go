// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ovenlink

import "time"

// RecordKind discriminates decoded records
type RecordKind int

// Record kinds
const (
	RecordTelemetry RecordKind = iota
	RecordAck
	RecordNack
	RecordCommand
)

// Telemetry is a single controller sensor/status report. It is immutable
// once decoded.
type Telemetry struct {
	TemperatureCelsius float64
	HeaterDutyPercent  uint8
	Fault              FaultCode
	DeviceUptime       time.Duration

	// Timestamp is the host receive instant. It carries a monotonic clock
	// reading when produced by the decoder's default clock.
	Timestamp time.Time
}

// HasFault returns true if the controller reported a fault
func (t Telemetry) HasFault() bool {
	return t.Fault != FaultNone
}

// Reply is an ACK or NACK for a previously sent command
type Reply struct {
	Seq    uint16
	Ack    bool
	Reason NackReason
}

// Record is a decoded controller-to-host frame
type Record struct {
	Kind      RecordKind
	MsgType   uint8
	Telemetry Telemetry
	Reply     Reply
	Command   Command
	Seq       uint16
	Length    uint8
	CRC       uint8
}

// IsReply returns true for ACK and NACK records
func (r Record) IsReply() bool {
	return r.Kind == RecordAck || r.Kind == RecordNack
}
