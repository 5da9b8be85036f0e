// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
	"github.com/Thermoquad/kiln/pkg/reflow"
	"github.com/Thermoquad/kiln/pkg/session"
	"github.com/Thermoquad/kiln/pkg/transport"
)

const stopTimeout = 3 * time.Second

var (
	runProfile   string
	runReconnect bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a reflow profile to completion",
	Long: `Connect to the controller, start a profile and follow it through
preheat, soak, reflow and cooling.

Phase transitions are logged and, unless history.path is empty, recorded in
the run history database. Ctrl+C sends STOP before exiting.

With --reconnect a lost link is redialled with exponential backoff. The run
itself is not resumed: losing the link faults the run and the oven is left
to its own interlocks.

Exit codes:
  0 - Profile completed and the oven cooled below the safe temperature
  1 - Run faulted, was rejected, or the link could not be established
  130 - Interrupted; STOP was sent`,
	RunE: runReflow,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runProfile, "profile", "P", "", "Profile id to run")
	runCmd.Flags().BoolVar(&runReconnect, "reconnect", false, "Redial with backoff when the link is lost")
	_ = runCmd.MarkFlagRequired("profile")
}

func runReflow(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	device, err := deviceToken()
	if err != nil {
		return err
	}

	_, recorder, closeHistory, err := openHistory()
	if err != nil {
		return err
	}
	defer closeHistory()

	var observers []session.Observer
	if recorder != nil {
		observers = append(observers, recorder)
	}
	s, store, err := newSession(observers...)
	if err != nil {
		return err
	}
	defer s.Disconnect()

	p, err := store.Get(runProfile)
	if err != nil {
		return fmt.Errorf("%w (available: %v)", err, store.IDs())
	}

	if err := connect(ctx, s, device, runReconnect); err != nil {
		return exitWith(1, "connect %s: %w", device, err)
	}
	log.Infow("connected", "device", device)

	snaps, unwatch := s.Watch()
	defer unwatch()

	if _, err := submit(ctx, s, ovenlink.Start(p.ID())); err != nil {
		return exitWith(1, "start %s: %w", p.ID(), err)
	}
	log.Infow("run started", "profile", p.ID(), "duration", p.Duration(), "peak", p.PeakTemperature())

	return follow(ctx, s, device, snaps)
}

// follow waits for the run to end, reporting each phase change
func follow(ctx context.Context, s *session.Session, device string, snaps <-chan session.Snapshot) error {
	phase := reflow.PhaseIdle
	started := false
	for {
		select {
		case <-ctx.Done():
			return abortRun(s)

		case snap, ok := <-snaps:
			if !ok {
				return exitWith(1, "session closed")
			}

			if snap.Phase.Active() {
				started = true
			}
			if snap.Phase != phase {
				fmt.Printf("%s  %-8s -> %-8s", time.Now().Format("15:04:05"), phase, snap.Phase)
				if snap.HasSetpoint {
					fmt.Printf("  setpoint %.1f°C", snap.Setpoint)
				}
				if snap.LastTelemetry != nil {
					fmt.Printf("  oven %.1f°C", snap.LastTelemetry.TemperatureCelsius)
				}
				fmt.Println()
				phase = snap.Phase
			}

			switch phase {
			case reflow.PhaseIdle:
				if started {
					fmt.Println("Run complete")
					return nil
				}
			case reflow.PhaseFault:
				if snap.Degraded && runReconnect {
					reconnectAfterLoss(ctx, s, device, snap.Link)
				}
				return exitWith(1, "run faulted: %s", snap.FaultReason)
			}
		}
	}
}

// reconnectAfterLoss restores the link so the controller can be inspected.
// Heating commands are never re-sent.
func reconnectAfterLoss(ctx context.Context, s *session.Session, device string, state transport.LinkState) {
	log.Warnw("link degraded, reconnecting", "device", device, "link", state.String())
	ctx, cancel := context.WithTimeout(ctx, maxBackoff*4)
	defer cancel()
	if err := connect(ctx, s, device, true); err != nil {
		log.Errorw("reconnect failed", "device", device, "err", err)
		return
	}
	log.Infow("reconnected", "device", device)
	if _, err := submit(ctx, s, ovenlink.Stop()); err != nil {
		log.Warnw("stop after reconnect failed", "err", err)
	}
}

func abortRun(s *session.Session) error {
	fmt.Println("\nInterrupted, sending STOP")
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if _, err := submit(ctx, s, ovenlink.Stop()); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = session.ErrTimeout
		}
		return exitWith(130, "stop not acknowledged: %w", err)
	}
	return &ExitError{Code: 130}
}
