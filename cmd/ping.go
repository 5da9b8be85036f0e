// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
)

var (
	pingCount    int
	pingInterval time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure command round-trip time to the controller",
	Long: `Send PING commands through a session and wait for each ACK.

This verifies the whole command path: the link, framing in both directions
and the controller's sequence handling. The controller uptime from the
latest telemetry frame is shown when available.

Exit codes:
  0 - All pings acknowledged
  1 - One or more pings failed or timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVarP(&pingCount, "count", "c", 3, "Number of pings to send")
	pingCmd.Flags().DurationVar(&pingInterval, "interval", 500*time.Millisecond, "Delay between pings")
}

func runPing(cmd *cobra.Command, args []string) error {
	device, err := deviceToken()
	if err != nil {
		return err
	}
	s, _, err := newSession()
	if err != nil {
		return err
	}
	defer s.Disconnect()

	ctx := cmd.Context()
	if err := connect(ctx, s, device, false); err != nil {
		return exitWith(2, "connection error: %w", err)
	}

	fmt.Printf("Kiln - Ping\n")
	fmt.Printf("Device: %s\n", device)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	var rtts []time.Duration
	failCount := 0
	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		waitCtx, cancel := context.WithTimeout(ctx, cfg.Session.CommandTimeout*2)
		res, err := submit(waitCtx, s, ovenlink.Ping())
		cancel()
		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failCount++
		} else {
			rtts = append(rtts, res.RTT)
			fmt.Printf("ACK seq=%d rtt=%v", res.Seq, res.RTT.Round(time.Millisecond))
			if t := s.Snapshot().LastTelemetry; t != nil {
				fmt.Printf(" uptime=%v", t.DeviceUptime.Round(time.Second))
			}
			fmt.Println()
		}

		if i < pingCount {
			time.Sleep(pingInterval)
		}
	}

	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d acknowledged, %.0f%% loss\n",
		pingCount, len(rtts), float64(failCount)/float64(pingCount)*100)
	if len(rtts) > 0 {
		lo, hi, avg := rttSummary(rtts)
		fmt.Printf("rtt min/avg/max = %v/%v/%v\n",
			lo.Round(time.Microsecond), avg.Round(time.Microsecond), hi.Round(time.Microsecond))
	}

	if failCount > 0 {
		return &ExitError{Code: 1, Err: fmt.Errorf("%d of %d pings failed", failCount, pingCount)}
	}
	return nil
}

func rttSummary(rtts []time.Duration) (lo, hi, avg time.Duration) {
	lo, hi = rtts[0], rtts[0]
	var sum time.Duration
	for _, r := range rtts {
		lo = min(lo, r)
		hi = max(hi, r)
		sum += r
	}
	return lo, hi, sum / time.Duration(len(rtts))
}
