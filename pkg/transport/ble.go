// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import "time"

// DefaultScanTimeout bounds a BLE discovery scan
const DefaultScanTimeout = 10 * time.Second

// BLEDialer opens a Nordic UART service link to a ble:// device. The
// controller notifies on the TX characteristic and accepts writes on RX.
type BLEDialer struct{}

// Advertisement is a device seen during a BLE scan
type Advertisement struct {
	Address string
	Name    string
	RSSI    int16
}

// Token returns the device token for this advertiser
func (a Advertisement) Token() string {
	return SchemeBLE + "://" + a.Address
}
