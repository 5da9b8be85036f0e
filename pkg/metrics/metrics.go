// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics exports session activity as Prometheus metrics
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
	"github.com/Thermoquad/kiln/pkg/reflow"
	"github.com/Thermoquad/kiln/pkg/session"
	"github.com/Thermoquad/kiln/pkg/transport"
)

const namespace = "kiln"

// Command outcome label values
const (
	OutcomeAck       = "ack"
	OutcomeNack      = "nack"
	OutcomeBusy      = "busy"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeLink      = "link_error"
	OutcomeRejected  = "rejected"
)

// Collector is a session.Observer that records Prometheus metrics
type Collector struct {
	telemetry   prometheus.Counter
	frameErrors *prometheus.CounterVec
	commands    *prometheus.CounterVec
	rtt         prometheus.Histogram
	link        prometheus.Gauge
	temperature prometheus.Gauge
	duty        prometheus.Gauge
	fault       prometheus.Gauge
	phase       prometheus.Gauge
	transitions *prometheus.CounterVec
}

var _ session.Observer = (*Collector)(nil)

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		telemetry: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_frames_total",
			Help:      "Telemetry frames decoded from the controller.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Frames dropped by the decoder, by kind.",
		}, []string{"kind"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Resolved commands by command and outcome.",
		}, []string{"command", "outcome"}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_rtt_seconds",
			Help:      "Time from send to ACK or NACK.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
		}),
		link: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_state",
			Help:      "Link state: 0 disconnected, 1 connecting, 2 connected, 3 lost.",
		}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Last reported oven temperature.",
		}),
		duty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heater_duty_percent",
			Help:      "Last reported heater duty cycle.",
		}),
		fault: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fault_code",
			Help:      "Last reported controller fault code, 0 when healthy.",
		}),
		phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reflow_phase",
			Help:      "Reflow phase: 0 idle, 1 preheat, 2 soak, 3 reflow, 4 cooling, 5 fault.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Reflow phase transitions by destination phase.",
		}, []string{"phase"}),
	}

	for _, col := range []prometheus.Collector{
		c.telemetry, c.frameErrors, c.commands, c.rtt, c.link,
		c.temperature, c.duty, c.fault, c.phase, c.transitions,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LinkChanged implements session.Observer
func (c *Collector) LinkChanged(state transport.LinkState, err error) {
	c.link.Set(float64(state))
}

// TelemetryReceived implements session.Observer
func (c *Collector) TelemetryReceived(t ovenlink.Telemetry) {
	c.telemetry.Inc()
	c.temperature.Set(t.TemperatureCelsius)
	c.duty.Set(float64(t.HeaterDutyPercent))
	c.fault.Set(float64(t.Fault))
}

// FrameError implements session.Observer
func (c *Collector) FrameError(err error) {
	kind := "sync_lost"
	if k, ok := ovenlink.FrameErrorKindOf(err); ok {
		kind = k.String()
	}
	c.frameErrors.WithLabelValues(kind).Inc()
}

// CommandResolved implements session.Observer
func (c *Collector) CommandResolved(r session.Result) {
	c.commands.WithLabelValues(r.Command.Kind.String(), Outcome(r.Err)).Inc()
	if r.RTT > 0 {
		c.rtt.Observe(r.RTT.Seconds())
	}
}

// PhaseChanged implements session.Observer
func (c *Collector) PhaseChanged(tr reflow.Transition, profileID string) {
	c.phase.Set(float64(tr.To))
	c.transitions.WithLabelValues(tr.To.String()).Inc()
}

// Outcome maps a command result error to its label value
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeAck
	case errors.Is(err, session.ErrNack):
		return OutcomeNack
	case errors.Is(err, session.ErrBusy):
		return OutcomeBusy
	case errors.Is(err, session.ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, session.ErrCancelled):
		return OutcomeCancelled
	case errors.Is(err, session.ErrLink):
		return OutcomeLink
	default:
		return OutcomeRejected
	}
}
