// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ovenlink

import "fmt"

// AnomalyType represents different types of telemetry anomalies
type AnomalyType int

const (
	AnomalyInvalidTemp AnomalyType = iota
	AnomalyInvalidDuty
	AnomalyUnknownFault
)

// Plausible sensor range for a reflow oven thermocouple
const (
	minPlausibleTemp = -50.0
	maxPlausibleTemp = 500.0
)

// ValidationError represents a telemetry validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateTelemetry detects implausible telemetry values.
// Returns a slice of validation errors (empty if telemetry is plausible).
func ValidateTelemetry(t Telemetry) []ValidationError {
	errors := []ValidationError{}

	if t.TemperatureCelsius < minPlausibleTemp || t.TemperatureCelsius > maxPlausibleTemp {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidTemp,
			Message: fmt.Sprintf("Temperature out of range (%.1f°C, valid: %.0f to %.0f°C)", t.TemperatureCelsius, minPlausibleTemp, maxPlausibleTemp),
			Details: map[string]interface{}{"value": t.TemperatureCelsius, "min": minPlausibleTemp, "max": maxPlausibleTemp},
		})
	}

	if t.HeaterDutyPercent > 100 {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidDuty,
			Message: fmt.Sprintf("Heater duty out of range (%d%%, valid: 0-100)", t.HeaterDutyPercent),
			Details: map[string]interface{}{"value": t.HeaterDutyPercent, "max": 100},
		})
	}

	if t.Fault < FaultNone || t.Fault > FaultWatchdog {
		errors = append(errors, ValidationError{
			Type:    AnomalyUnknownFault,
			Message: fmt.Sprintf("Unknown fault code %d", int(t.Fault)),
			Details: map[string]interface{}{"code": int(t.Fault)},
		})
	}

	return errors
}
