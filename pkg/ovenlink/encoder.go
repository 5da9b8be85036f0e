// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ovenlink

import (
	"fmt"
	"time"
)

// EncodeFrame creates a complete wire-formatted frame.
// Returns the frame bytes ready for transmission.
func EncodeFrame(msgType uint8, payload map[int]interface{}) ([]byte, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode CBOR payload: %w", err)
	}

	if len(body) > MaxPayloadSize {
		return nil, fmt.Errorf("CBOR payload too large: %d bytes (max %d)", len(body), MaxPayloadSize)
	}

	frame := make([]byte, 0, HeaderSize+len(body)+TrailerSize)
	frame = append(frame, Sentinel, uint8(len(body)), msgType)
	frame = append(frame, body...)

	// CRC covers LEN + TYPE + PAYLOAD
	frame = append(frame, CalculateCRC(frame[1:]))

	return frame, nil
}

// EncodeCommand encodes a command with the given sequence number
func EncodeCommand(seq uint16, c Command) ([]byte, error) {
	payload, err := c.payload(seq)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(c.MsgType(), payload)
}

// EncodeAck encodes an ACK reply. Controllers and simulators use this.
func EncodeAck(seq uint16) ([]byte, error) {
	return EncodeFrame(MsgAck, map[int]interface{}{keySeq: uint64(seq)})
}

// EncodeNack encodes a NACK reply with a reason code
func EncodeNack(seq uint16, reason NackReason) ([]byte, error) {
	return EncodeFrame(MsgNack, map[int]interface{}{
		keySeq:        uint64(seq),
		keyNackReason: uint64(reason),
	})
}

// EncodeTelemetry encodes a telemetry frame. The host timestamp is not sent.
func EncodeTelemetry(t Telemetry) ([]byte, error) {
	payload := map[int]interface{}{
		keyTemperature: t.TemperatureCelsius,
		keyHeaterDuty:  uint64(t.HeaterDutyPercent),
		keyFault:       uint64(t.Fault),
		keyUptime:      uint64(t.DeviceUptime / time.Millisecond),
	}
	return EncodeFrame(MsgTelemetry, payload)
}

// MustEncodeCommand encodes a command and panics on error.
// Intended for constant commands in tests and tools.
func MustEncodeCommand(seq uint16, c Command) []byte {
	data, err := EncodeCommand(seq, c)
	if err != nil {
		panic(fmt.Sprintf("ovenlink: encode error: %v", err))
	}
	return data
}
