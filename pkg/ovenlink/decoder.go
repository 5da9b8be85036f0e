// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ovenlink

import (
	"bytes"
	"fmt"
	"time"
)

// Decoder turns a byte stream into frames. It buffers partial frames across
// Feed calls, so the decoded sequence does not depend on how the stream is
// split into chunks.
type Decoder struct {
	buffer      []byte
	unsynced    int // bytes discarded since the last valid frame
	maxUnsynced int
	now         func() time.Time
}

// DecoderOption configures a Decoder
type DecoderOption func(*Decoder)

// WithMaxUnsynced sets the discarded-byte threshold for ErrSyncLost
func WithMaxUnsynced(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxUnsynced = n
		}
	}
}

// WithClock sets the clock used to timestamp telemetry
func WithClock(now func() time.Time) DecoderOption {
	return func(d *Decoder) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDecoder creates a new protocol decoder
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		buffer:      make([]byte, 0, MaxFrameSize*2),
		maxUnsynced: DefaultMaxUnsynced,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Reset discards all buffered bytes
func (d *Decoder) Reset() {
	d.buffer = d.buffer[:0]
	d.unsynced = 0
}

// Buffered returns the number of bytes held waiting for a complete frame
func (d *Decoder) Buffered() int {
	return len(d.buffer)
}

// Feed appends a chunk to the stream and returns every record completed by it.
// Returned errors are either *FrameError (a dropped frame; decoding continues)
// or *SyncLostError (too many bytes discarded without a valid frame).
func (d *Decoder) Feed(chunk []byte) ([]Record, []error) {
	d.buffer = append(d.buffer, chunk...)

	var records []Record
	var errs []error

	for {
		start := bytes.IndexByte(d.buffer, Sentinel)
		if start < 0 {
			errs = d.discard(len(d.buffer), errs)
			break
		}
		if start > 0 {
			errs = d.discard(start, errs)
		}

		// Need sentinel + length before we can size the frame
		if len(d.buffer) < 2 {
			break
		}

		length := d.buffer[1]
		if length > MaxPayloadSize {
			errs = append(errs, &FrameError{
				Kind:   FrameTruncated,
				Detail: fmt.Sprintf("invalid length: %d (max %d)", length, MaxPayloadSize),
			})
			errs = d.discard(1, errs)
			continue
		}

		total := HeaderSize + int(length) + TrailerSize
		if len(d.buffer) < total {
			break
		}

		frame := d.buffer[:total]
		calculated := CalculateCRC(frame[1 : total-1])
		received := frame[total-1]
		if calculated != received {
			errs = append(errs, &FrameError{
				Kind:    FrameChecksumMismatch,
				MsgType: frame[2],
				Detail:  fmt.Sprintf("expected 0x%02X, got 0x%02X", calculated, received),
			})
			// Drop only the sentinel: the next frame may start inside this one
			errs = d.discard(1, errs)
			continue
		}

		record, err := parseFrame(frame[2], frame[HeaderSize:total-1])
		record.Length = length
		record.CRC = received
		if record.Kind == RecordTelemetry && err == nil {
			record.Telemetry.Timestamp = d.now()
		}

		d.consume(total)
		d.unsynced = 0

		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, record)
	}

	return records, errs
}

// consume removes n bytes from the front of the buffer
func (d *Decoder) consume(n int) {
	remaining := copy(d.buffer, d.buffer[n:])
	d.buffer = d.buffer[:remaining]
}

// discard drops n unsynchronized bytes and reports sync loss each time the
// running total crosses the threshold
func (d *Decoder) discard(n int, errs []error) []error {
	d.consume(n)
	d.unsynced += n
	for d.unsynced > d.maxUnsynced {
		errs = append(errs, &SyncLostError{Discarded: d.maxUnsynced + 1})
		d.unsynced -= d.maxUnsynced + 1
	}
	return errs
}

// parseFrame decodes the payload of a CRC-valid frame
func parseFrame(msgType uint8, body []byte) (Record, error) {
	switch msgType {
	case MsgTelemetry, MsgAck, MsgNack, MsgSetSetpoint, MsgStart, MsgStop, MsgPing:
	default:
		return Record{MsgType: msgType}, &FrameError{
			Kind:    FrameUnknownType,
			MsgType: msgType,
			Detail:  fmt.Sprintf("type 0x%02X", msgType),
		}
	}

	payload, err := ParsePayload(body)
	if err != nil {
		if fe, ok := err.(*FrameError); ok {
			fe.MsgType = msgType
		}
		return Record{MsgType: msgType}, err
	}

	record := Record{MsgType: msgType}

	switch msgType {
	case MsgTelemetry:
		temp, ok := GetMapFloat(payload, keyTemperature)
		if !ok {
			return record, malformed(msgType, "telemetry without temperature")
		}
		duty, _ := GetMapUint(payload, keyHeaterDuty)
		if duty > 255 {
			duty = 255
		}
		fault, _ := GetMapUint(payload, keyFault)
		uptime, _ := GetMapUint(payload, keyUptime)
		record.Kind = RecordTelemetry
		record.Telemetry = Telemetry{
			TemperatureCelsius: temp,
			HeaterDutyPercent:  uint8(duty),
			Fault:              FaultCode(fault),
			DeviceUptime:       time.Duration(uptime) * time.Millisecond,
		}

	case MsgAck, MsgNack:
		seq, ok := GetMapUint(payload, keySeq)
		if !ok || seq > 0xFFFF {
			return record, malformed(msgType, "reply without valid sequence number")
		}
		record.Kind = RecordAck
		record.Reply = Reply{Seq: uint16(seq), Ack: true}
		if msgType == MsgNack {
			reason, _ := GetMapUint(payload, keyNackReason)
			record.Kind = RecordNack
			record.Reply.Ack = false
			record.Reply.Reason = NackReason(reason)
		}

	default:
		seq, ok := GetMapUint(payload, keySeq)
		if !ok || seq > 0xFFFF {
			return record, malformed(msgType, "command without valid sequence number")
		}
		cmd, err := parseCommand(msgType, payload)
		if err != nil {
			return record, err
		}
		record.Kind = RecordCommand
		record.Seq = uint16(seq)
		record.Command = cmd
	}

	return record, nil
}

// parseCommand decodes a host-to-controller command payload
func parseCommand(msgType uint8, payload map[int]interface{}) (Command, error) {
	switch msgType {
	case MsgSetSetpoint:
		celsius, ok := GetMapFloat(payload, keySetpoint)
		if !ok {
			return Command{}, malformed(msgType, "setpoint missing")
		}
		return SetSetpoint(celsius), nil
	case MsgStart:
		id, ok := GetMapString(payload, keyProfileID)
		if !ok || id == "" {
			return Command{}, malformed(msgType, "profile id missing")
		}
		return Start(id), nil
	case MsgStop:
		return Stop(), nil
	default:
		return Ping(), nil
	}
}

func malformed(msgType uint8, detail string) error {
	return &FrameError{Kind: FrameMalformed, MsgType: msgType, Detail: detail}
}
