// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build !linux

package transport

import (
	"context"
	"errors"
	"time"
)

var errBLEUnsupported = errors.New("BLE links are only supported on linux")

// Dial implements Dialer for ble:// tokens
func (d *BLEDialer) Dial(ctx context.Context, deviceID string) (Conn, error) {
	return nil, &LinkError{Op: "dial", Kind: LinkHardwareAbsent, Err: errBLEUnsupported}
}

// ScanBLE is unavailable on this platform
func ScanBLE(ctx context.Context, timeout time.Duration, found func(Advertisement)) error {
	return &LinkError{Op: "scan", Kind: LinkHardwareAbsent, Err: errBLEUnsupported}
}
