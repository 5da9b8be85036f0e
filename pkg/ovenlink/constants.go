// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package ovenlink implements the ovenlink wire protocol spoken between kiln
// and a reflow-oven controller.
//
// Frames are self-delimited by a sentinel and a length byte:
//
//	[SENTINEL][LEN][TYPE][PAYLOAD...][CRC8]
//
// The CRC-8 covers LEN, TYPE and PAYLOAD. Payloads are CBOR maps keyed by
// small integers. This package provides frame encoding, a streaming decoder
// that tolerates arbitrary chunk boundaries, telemetry validation and
// formatting helpers.
package ovenlink

// Protocol framing
const (
	Sentinel = 0x7E
)

// Frame size limits
const (
	HeaderSize     = 3 // sentinel + length + type
	TrailerSize    = 1 // crc8
	MaxPayloadSize = 120
	MaxFrameSize   = HeaderSize + MaxPayloadSize + TrailerSize
)

// CRC-8 configuration
const (
	crcPolynomial = 0x07
	crcInitial    = 0x00
)

// DefaultMaxUnsynced is the number of consecutively discarded bytes after
// which the decoder reports a loss of synchronization.
const DefaultMaxUnsynced = 512

// Message types - Commands (Host → Controller) 0x10-0x1F
const (
	MsgSetSetpoint = 0x10
	MsgStart       = 0x11
	MsgStop        = 0x12
	MsgPing        = 0x1F
)

// Message types - Replies (Controller → Host) 0x20-0x2F
const (
	MsgAck  = 0x20
	MsgNack = 0x21
)

// Message types - Telemetry (Controller → Host) 0x30-0x3F
const (
	MsgTelemetry = 0x30
)

// Payload keys shared by all commands and replies
const (
	keySeq = 0
)

// Payload keys for SET_SETPOINT / START / NACK
const (
	keySetpoint   = 1
	keyProfileID  = 1
	keyNackReason = 1
)

// Payload keys for TELEMETRY
const (
	keyTemperature = 0
	keyHeaterDuty  = 1
	keyFault       = 2
	keyUptime      = 3
)

// FaultCode is a controller-reported fault carried in telemetry.
type FaultCode int

// Fault code values
const (
	FaultNone          FaultCode = 0x00
	FaultOverTemp      FaultCode = 0x01
	FaultSensorOpen    FaultCode = 0x02
	FaultSensorShort   FaultCode = 0x03
	FaultHeaterFailure FaultCode = 0x04
	FaultDoorOpen      FaultCode = 0x05
	FaultWatchdog      FaultCode = 0x06
)

// NackReason is the reason code carried by a NACK reply.
type NackReason int

// Nack reason values
const (
	NackUnknown        NackReason = 0x00
	NackBadArgument    NackReason = 0x01
	NackUnknownProfile NackReason = 0x02
	NackInvalidState   NackReason = 0x03
	NackInterlock      NackReason = 0x04
)
