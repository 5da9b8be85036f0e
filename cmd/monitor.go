// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
	"github.com/Thermoquad/kiln/pkg/reflow"
	"github.com/Thermoquad/kiln/pkg/session"
	"github.com/Thermoquad/kiln/pkg/transport"
)

const eventBuffer = 128

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI for monitoring and running profiles",
	Long: `Monitor and control the oven via an interactive terminal UI.

Features:
  - Live telemetry (temperature, heater duty, fault, uptime)
  - Run status: phase, setpoint, elapsed time
  - Profile picker
  - Frame statistics and an event log

Keys:
  up/down  select profile
  enter    start the selected profile
  x        stop
  c        connect (also clears a degraded link)
  q        quit (a running profile is stopped first)`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

// tuiObserver forwards session events to the TUI without blocking the session
type tuiObserver struct {
	session.NopObserver
	events chan eventMsg
}

func (o *tuiObserver) push(msg string, isError bool) {
	select {
	case o.events <- eventMsg{at: time.Now(), message: msg, isError: isError}:
	default:
	}
}

func (o *tuiObserver) LinkChanged(state transport.LinkState, err error) {
	if err != nil {
		o.push(fmt.Sprintf("Link %s: %v", state, err), state == transport.Lost)
		return
	}
	o.push(fmt.Sprintf("Link %s", state), false)
}

func (o *tuiObserver) FrameError(err error) {
	o.push(fmt.Sprintf("Frame dropped: %v", err), true)
}

func (o *tuiObserver) CommandResolved(r session.Result) {
	if r.Err != nil && r.Command.Kind != ovenlink.CommandSetSetpoint {
		o.push(fmt.Sprintf("%s failed: %v", r.Command, r.Err), true)
	}
}

func (o *tuiObserver) PhaseChanged(tr reflow.Transition, profileID string) {
	o.push(fmt.Sprintf("%s -> %s (%s)", tr.From, tr.To, tr.Reason), tr.To == reflow.PhaseFault)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	device, err := deviceToken()
	if err != nil {
		return err
	}

	_, recorder, closeHistory, err := openHistory()
	if err != nil {
		return err
	}
	defer closeHistory()

	obs := &tuiObserver{events: make(chan eventMsg, eventBuffer)}
	observers := []session.Observer{obs}
	if recorder != nil {
		observers = append(observers, recorder)
	}

	// Logging would corrupt the alternate screen; the event log replaces it
	log = zap.NewNop().Sugar()

	s, store, err := newSession(observers...)
	if err != nil {
		return err
	}
	defer s.Disconnect()

	m := initialMonitorModel(s, device, store)
	p := tea.NewProgram(m, tea.WithAltScreen())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go forwardSnapshots(ctx, s, p)
	go forwardEvents(ctx, obs.events, p)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}

	if s.Snapshot().Phase.Active() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		if _, err := submit(stopCtx, s, ovenlink.Stop()); err != nil {
			fmt.Printf("STOP not acknowledged: %v\n", err)
		}
	}
	return nil
}

func forwardSnapshots(ctx context.Context, s *session.Session, p *tea.Program) {
	snaps, unwatch := s.Watch()
	defer unwatch()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			p.Send(snapshotMsg{snap: snap, stats: s.Statistics()})
		}
	}
}

func forwardEvents(ctx context.Context, events <-chan eventMsg, p *tea.Program) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			p.Send(ev)
		}
	}
}
