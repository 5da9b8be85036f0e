// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ovenlink

import "fmt"

// CommandKind discriminates host-to-controller commands
type CommandKind int

// Command kinds
const (
	CommandSetSetpoint CommandKind = iota
	CommandStart
	CommandStop
	CommandPing
)

// String returns the wire name of the command kind
func (k CommandKind) String() string {
	switch k {
	case CommandSetSetpoint:
		return "set_setpoint"
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandPing:
		return "ping"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is a host-to-controller request. Construct one with SetSetpoint,
// Start, Stop or Ping.
type Command struct {
	Kind      CommandKind
	Setpoint  float64
	ProfileID string
}

// SetSetpoint creates a SET_SETPOINT command for the given temperature
func SetSetpoint(celsius float64) Command {
	return Command{Kind: CommandSetSetpoint, Setpoint: celsius}
}

// Start creates a START command for the given profile
func Start(profileID string) Command {
	return Command{Kind: CommandStart, ProfileID: profileID}
}

// Stop creates a STOP command
func Stop() Command {
	return Command{Kind: CommandStop}
}

// Ping creates a PING command
func Ping() Command {
	return Command{Kind: CommandPing}
}

// MsgType returns the wire message type for the command
func (c Command) MsgType() uint8 {
	switch c.Kind {
	case CommandSetSetpoint:
		return MsgSetSetpoint
	case CommandStart:
		return MsgStart
	case CommandStop:
		return MsgStop
	default:
		return MsgPing
	}
}

// String returns a short human-readable form of the command
func (c Command) String() string {
	switch c.Kind {
	case CommandSetSetpoint:
		return fmt.Sprintf("SetSetpoint(%.1f)", c.Setpoint)
	case CommandStart:
		return fmt.Sprintf("Start(%s)", c.ProfileID)
	case CommandStop:
		return "Stop"
	case CommandPing:
		return "Ping"
	default:
		return fmt.Sprintf("Command(%d)", int(c.Kind))
	}
}

// payload builds the CBOR payload map for the command
func (c Command) payload(seq uint16) (map[int]interface{}, error) {
	payload := map[int]interface{}{
		keySeq: uint64(seq),
	}
	switch c.Kind {
	case CommandSetSetpoint:
		payload[keySetpoint] = c.Setpoint
	case CommandStart:
		if c.ProfileID == "" {
			return nil, fmt.Errorf("start command requires a profile id")
		}
		payload[keyProfileID] = c.ProfileID
	case CommandStop, CommandPing:
	default:
		return nil, fmt.Errorf("unknown command kind %d", int(c.Kind))
	}
	return payload, nil
}
