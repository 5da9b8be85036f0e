// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
)

var packetTestTimeout int

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test a connection by waiting for a valid frame",
	Long: `Wait for a valid frame on the connection until timeout.

This command opens the device and waits for any frame that passes the
checksum and decodes cleanly. Invalid bytes before the first frame are
counted and skipped.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error

Useful for checking Bluetooth pairing or a WebSocket bridge before a run.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	conn, device, err := openConn(cmd.Context())
	if err != nil {
		return exitWith(2, "connection error: %w", err)
	}
	defer conn.Close()

	fmt.Printf("Kiln - Frame Test\n")
	fmt.Printf("Device: %s\n", device)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for a valid frame...\n\n")

	recordChan := make(chan ovenlink.Record, 1)
	errChan := make(chan error, 1)

	go func() {
		decoder := ovenlink.NewDecoder()
		buf := make([]byte, 128)
		dropped := 0
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				records, errs := decoder.Feed(buf[:n])
				dropped += len(errs)
				if len(records) > 0 {
					if dropped > 0 {
						fmt.Printf("(dropped %d invalid frames before sync)\n", dropped)
					}
					recordChan <- records[0]
					return
				}
			}
			if err != nil {
				errChan <- err
				return
			}
		}
	}()

	select {
	case r := <-recordChan:
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  Type: %s (0x%02X)\n", ovenlink.FormatMessageType(r.MsgType), r.MsgType)
		fmt.Printf("  Length: %d bytes\n", r.Length)
		fmt.Printf("  CRC: 0x%02X\n", r.CRC)
		return nil

	case err := <-errChan:
		return exitWith(2, "read error: %w", err)

	case <-time.After(time.Duration(packetTestTimeout) * time.Second):
		return exitWith(1, "TIMEOUT: no valid frame received within %d seconds", packetTestTimeout)
	}
}
