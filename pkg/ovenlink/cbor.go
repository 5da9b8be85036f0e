// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ovenlink

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// encMode produces canonical CBOR so identical payloads encode to identical bytes
var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("ovenlink: cbor enc mode: %v", err))
	}
	return em
}()

// encodePayload creates the CBOR payload for a frame (empty for nil/empty maps)
func encodePayload(payload map[int]interface{}) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	return encMode.Marshal(payload)
}

// ParsePayload parses a CBOR payload map keyed by small integers.
// Returns a nil map for an empty payload.
func ParsePayload(data []byte) (map[int]interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var payload map[int]interface{}
	if err := cbor.Unmarshal(data, &payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FrameError{Kind: FrameTruncated, Detail: err.Error()}
		}
		return nil, &FrameError{Kind: FrameMalformed, Detail: fmt.Sprintf("failed to decode CBOR: %v", err)}
	}
	return payload, nil
}

// Map value extraction helpers

// GetMapUint extracts a uint64 from a CBOR map by key
func GetMapUint(m map[int]interface{}, key int) (uint64, bool) {
	if m == nil {
		return 0, false
	}
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case uint64:
		return val, true
	case int64:
		if val >= 0 {
			return uint64(val), true
		}
		return 0, false
	case float64:
		if val >= 0 {
			return uint64(val), true
		}
		return 0, false
	}
	return 0, false
}

// GetMapFloat extracts a float64 from a CBOR map by key
func GetMapFloat(m map[int]interface{}, key int) (float64, bool) {
	if m == nil {
		return 0, false
	}
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	}
	return 0, false
}

// GetMapString extracts a string from a CBOR map by key
func GetMapString(m map[int]interface{}, key int) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	if val, ok := v.(string); ok {
		return val, true
	}
	return "", false
}
