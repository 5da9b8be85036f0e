// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
)

var rawLogStats bool

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display decoded frames in human-readable format",
	Long: `Continuously decode and display frames as they arrive, without a session.

Each frame is shown with its receive time, message type, length, checksum
and decoded payload. Dropped frames are shown as errors. With --stats a
summary of frame and error counts is printed on exit.

Supports serial, BLE and WebSocket devices.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().BoolVar(&rawLogStats, "stats", false, "Print frame statistics on exit")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	conn, device, err := openConn(ctx)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	fmt.Printf("Kiln - Raw Frame Log\n")
	fmt.Printf("Device: %s\n", device)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := ovenlink.NewDecoder(ovenlink.WithMaxUnsynced(cfg.Codec.MaxUnsyncedBytes))
	stats := ovenlink.NewStatistics()
	defer func() {
		if rawLogStats {
			stats.CalculateRates()
			fmt.Print("\n" + stats.String())
		}
	}()

	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			records, errs := decoder.Feed(buf[:n])
			for _, decodeErr := range errs {
				stats.Update(nil, decodeErr, nil)
				fmt.Printf("[%s] ERROR %v\n", time.Now().Format("15:04:05.000"), decodeErr)
			}
			for i := range records {
				r := records[i]
				var anomalies []ovenlink.ValidationError
				if r.Kind == ovenlink.RecordTelemetry {
					anomalies = ovenlink.ValidateTelemetry(r.Telemetry)
				}
				stats.Update(&r, nil, anomalies)
				fmt.Print(ovenlink.FormatRecord(r, time.Now()))
				for _, a := range anomalies {
					fmt.Printf("  ANOMALY: %s\n", a.Message)
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				log.Infow("connection closed", "device", device)
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
	}
}
