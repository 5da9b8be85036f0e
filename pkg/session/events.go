// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"errors"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
	"github.com/Thermoquad/kiln/pkg/transport"
)

// pump consumes transport events until the transport closes its channel.
// It never waits on the sequencer.
func (s *Session) pump() {
	defer s.wg.Done()

	for ev := range s.t.Events() {
		switch ev.Kind {
		case transport.EventData:
			s.handleData(ev.Data)
		case transport.EventState:
			s.handleState(ev)
		}
	}
}

func (s *Session) handleState(ev transport.Event) {
	s.mu.Lock()
	prev := s.link
	s.link = ev.State
	if ev.State == transport.Connected {
		s.decoder.Reset()
		if s.connecting != nil {
			close(s.connecting)
			s.connecting = nil
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if prev != ev.State {
		if ev.Err != nil {
			s.log.Warnw("link state changed", "device", snap.Device, "from", prev.String(), "to", ev.State.String(), "err", ev.Err)
		} else {
			s.log.Infow("link state changed", "device", snap.Device, "from", prev.String(), "to", ev.State.String())
		}
	}
	for _, o := range s.opts.Observers {
		o.LinkChanged(ev.State, ev.Err)
	}
	s.publish(snap)

	if ev.State == transport.Lost {
		reason := "link lost"
		if ev.Err != nil {
			reason = "link lost: " + ev.Err.Error()
		}
		s.degrade(reason)
	}
}

func (s *Session) handleData(data []byte) {
	records, errs := s.decoder.Feed(data)

	for _, err := range errs {
		s.mu.Lock()
		s.stats.Update(nil, err, nil)
		s.mu.Unlock()

		for _, o := range s.opts.Observers {
			o.FrameError(err)
		}

		if errors.Is(err, ovenlink.ErrSyncLost) {
			s.log.Warnw("codec lost sync", "err", err)
			s.degrade("link quality: " + err.Error())
			continue
		}
		s.log.Debugw("frame dropped", "err", err)
	}

	for i := range records {
		rec := records[i]
		switch rec.Kind {
		case ovenlink.RecordTelemetry:
			s.handleTelemetry(rec)
		case ovenlink.RecordAck, ovenlink.RecordNack:
			s.mu.Lock()
			s.stats.Update(&rec, nil, nil)
			s.mu.Unlock()

			select {
			case s.replies <- rec.Reply:
			default:
				s.log.Warnw("reply dropped", "seq", rec.Reply.Seq)
			}
		default:
			s.log.Debugw("unexpected frame from device", "type", ovenlink.FormatMessageType(rec.MsgType))
		}
	}
}

func (s *Session) handleTelemetry(rec ovenlink.Record) {
	t := rec.Telemetry

	anomalies := ovenlink.ValidateTelemetry(t)
	for i := range anomalies {
		s.log.Warnw("telemetry anomaly", "err", anomalies[i].Error())
	}

	s.mu.Lock()
	s.stats.Update(&rec, nil, anomalies)
	s.last = &t
	profileID := s.activeProfileLocked()
	out := s.machine.Tick(t)

	dropped := 0
	for _, ch := range s.subs {
		select {
		case ch <- t:
		default:
			dropped++
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if dropped > 0 {
		s.log.Warnw("slow telemetry subscribers skipped a sample", "subscribers", dropped)
	}
	for _, o := range s.opts.Observers {
		o.TelemetryReceived(t)
	}
	s.react(out, profileID)
	s.publish(snap)
}
