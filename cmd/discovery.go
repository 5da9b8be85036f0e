// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/kiln/pkg/transport"
)

var discoveryTimeout int

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Scan for controllers advertising over Bluetooth LE",
	Long: `Scan for Bluetooth LE devices advertising the Nordic UART service and
print their device tokens.

This is a pairing helper: pass a printed token to --device or put it in
kiln.yaml. Sessions never scan on their own. Linux only; other platforms
report that no adapter is available.

Examples:
  kiln discovery --timeout 5
  kiln run --device ble://C0:FF:EE:12:34:56 --profile sac305

Exit codes:
  0 - At least one device found
  1 - No devices found before timeout
  2 - Bluetooth adapter unavailable`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().IntVar(&discoveryTimeout, "timeout", 10, "Scan duration in seconds")
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	fmt.Printf("Kiln - Device Discovery\n")
	fmt.Printf("Timeout: %d seconds\n\n", discoveryTimeout)

	var found []transport.Advertisement
	err := transport.ScanBLE(cmd.Context(), time.Duration(discoveryTimeout)*time.Second, func(a transport.Advertisement) {
		found = append(found, a)
		fmt.Printf("Device found:\n")
		fmt.Printf("  Token: %s\n", a.Token())
		if a.Name != "" {
			fmt.Printf("  Name: %s\n", a.Name)
		}
		fmt.Printf("  RSSI: %d dBm\n\n", a.RSSI)
	})
	if err != nil {
		return exitWith(2, "scan failed: %w", err)
	}

	fmt.Printf("--- Discovery summary ---\n")
	fmt.Printf("Devices found: %d\n", len(found))
	if len(found) == 0 {
		return exitWith(1, "no devices discovered, check the controller is powered and advertising")
	}
	return nil
}
