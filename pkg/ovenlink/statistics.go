// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ovenlink

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks frame statistics and error rates.
// It is not safe for concurrent use; owners serialize access.
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames     uint64
	ValidFrames     uint64
	ChecksumErrors  uint64
	TruncatedFrames uint64
	UnknownTypes    uint64
	MalformedFrames uint64
	SyncLosses      uint64
	AnomalousValues uint64
	TelemetryFrames uint64
	ReplyFrames     uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update updates statistics based on a decoded record or a decode error
func (s *Statistics) Update(record *Record, decodeErr error, validationErrors []ValidationError) {
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		if errors.Is(decodeErr, ErrSyncLost) {
			s.SyncLosses++
			return
		}
		s.TotalFrames++
		kind, _ := FrameErrorKindOf(decodeErr)
		switch kind {
		case FrameChecksumMismatch:
			s.ChecksumErrors++
		case FrameTruncated:
			s.TruncatedFrames++
		case FrameUnknownType:
			s.UnknownTypes++
		default:
			s.MalformedFrames++
		}
		return
	}

	if record == nil {
		return
	}

	s.TotalFrames++
	s.ValidFrames++
	switch record.Kind {
	case RecordTelemetry:
		s.TelemetryFrames++
	case RecordAck, RecordNack:
		s.ReplyFrames++
	}
	if len(validationErrors) > 0 {
		s.AnomalousValues++
	}
}

// Errors returns the total number of frame-level errors
func (s *Statistics) Errors() uint64 {
	return s.ChecksumErrors + s.TruncatedFrames + s.UnknownTypes + s.MalformedFrames
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		s.ErrorRate = float64(s.Errors()+s.SyncLosses) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var validPercent float64
	if s.TotalFrames > 0 {
		validPercent = float64(s.ValidFrames) * 100.0 / float64(s.TotalFrames)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, validPercent)
	result += fmt.Sprintf("  Telemetry:        %5d\n", s.TelemetryFrames)
	result += fmt.Sprintf("  Replies:          %5d\n", s.ReplyFrames)

	if s.ChecksumErrors > 0 {
		result += fmt.Sprintf("Checksum Errors: %8d\n", s.ChecksumErrors)
	}
	if s.TruncatedFrames > 0 {
		result += fmt.Sprintf("Truncated:       %8d\n", s.TruncatedFrames)
	}
	if s.UnknownTypes > 0 {
		result += fmt.Sprintf("Unknown Types:   %8d\n", s.UnknownTypes)
	}
	if s.MalformedFrames > 0 {
		result += fmt.Sprintf("Malformed:       %8d\n", s.MalformedFrames)
	}
	if s.SyncLosses > 0 {
		result += fmt.Sprintf("Sync Losses:     %8d\n", s.SyncLosses)
	}
	if s.AnomalousValues > 0 {
		result += fmt.Sprintf("Anomalous Values:%8d\n", s.AnomalousValues)
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
