// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ovenlink

import (
	"fmt"
	"time"
)

// FormatRecord formats a record into a human-readable string
func FormatRecord(r Record, at time.Time) string {
	timestamp := at.Format("15:04:05.000")
	result := fmt.Sprintf("[%s] %s (0x%02X) len=%d crc=0x%02X\n", timestamp, FormatMessageType(r.MsgType), r.MsgType, r.Length, r.CRC)

	switch r.Kind {
	case RecordTelemetry:
		t := r.Telemetry
		result += fmt.Sprintf("  Temperature: %.2f°C, Heater: %d%%, Fault: %s (%d), Uptime: %s\n",
			t.TemperatureCelsius, t.HeaterDutyPercent, FormatFault(t.Fault), int(t.Fault), formatDuration(t.DeviceUptime))
	case RecordAck:
		result += fmt.Sprintf("  Seq: %d\n", r.Reply.Seq)
	case RecordNack:
		result += fmt.Sprintf("  Seq: %d, Reason: %s (%d)\n", r.Reply.Seq, FormatNackReason(r.Reply.Reason), int(r.Reply.Reason))
	case RecordCommand:
		result += fmt.Sprintf("  Seq: %d, Command: %s\n", r.Seq, r.Command)
	}

	return result
}

// FormatMessageType returns the human-readable name for a message type
func FormatMessageType(msgType uint8) string {
	switch msgType {
	// Commands (0x10-0x1F)
	case MsgSetSetpoint:
		return "SET_SETPOINT"
	case MsgStart:
		return "START"
	case MsgStop:
		return "STOP"
	case MsgPing:
		return "PING"

	// Replies (0x20-0x2F)
	case MsgAck:
		return "ACK"
	case MsgNack:
		return "NACK"

	// Telemetry (0x30-0x3F)
	case MsgTelemetry:
		return "TELEMETRY"

	default:
		return "UNKNOWN"
	}
}

// FormatFault returns the human-readable name for a fault code
func FormatFault(code FaultCode) string {
	switch code {
	case FaultNone:
		return "NONE"
	case FaultOverTemp:
		return "OVER_TEMP"
	case FaultSensorOpen:
		return "SENSOR_OPEN"
	case FaultSensorShort:
		return "SENSOR_SHORT"
	case FaultHeaterFailure:
		return "HEATER_FAILURE"
	case FaultDoorOpen:
		return "DOOR_OPEN"
	case FaultWatchdog:
		return "WATCHDOG"
	default:
		return "UNKNOWN"
	}
}

// FormatNackReason returns the human-readable name for a NACK reason
func FormatNackReason(reason NackReason) string {
	switch reason {
	case NackUnknown:
		return "UNKNOWN"
	case NackBadArgument:
		return "BAD_ARGUMENT"
	case NackUnknownProfile:
		return "UNKNOWN_PROFILE"
	case NackInvalidState:
		return "INVALID_STATE"
	case NackInterlock:
		return "INTERLOCK"
	default:
		return fmt.Sprintf("REASON_%d", int(reason))
	}
}

// formatDuration renders an uptime as h/m/s
func formatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes%60, seconds%60)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds%60)
	}
	return fmt.Sprintf("%d.%03ds", seconds, ms%1000)
}
