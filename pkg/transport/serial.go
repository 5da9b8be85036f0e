// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"

	"go.bug.st/serial"
)

// DefaultBaud is the rfcomm/CDC line rate
const DefaultBaud = 115200

// SerialDialer opens serial ports, including Bluetooth SPP links bound to
// an rfcomm tty.
type SerialDialer struct {
	Baud int
}

// Dial implements Dialer for serial:// tokens
func (d *SerialDialer) Dial(ctx context.Context, deviceID string) (Conn, error) {
	dev, err := ParseDevice(deviceID)
	if err != nil {
		return nil, &LinkError{Op: "dial", Kind: LinkUnreachable, Err: err}
	}

	baud := d.Baud
	if baud <= 0 {
		baud = DefaultBaud
	}
	if v := dev.Params.Get("baud"); v != "" {
		baud, err = strconv.Atoi(v)
		if err != nil || baud <= 0 {
			return nil, &LinkError{Op: "dial", Kind: LinkUnreachable, Err: fmt.Errorf("invalid baud %q", v)}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(dev.Address, mode)
	if err != nil {
		return nil, serialError(dev.Address, err)
	}
	return port, nil
}

func serialError(name string, err error) error {
	kind := LinkUnreachable
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortNotFound:
			kind = LinkHardwareAbsent
		case serial.PermissionDenied:
			kind = LinkPermission
		}
	} else if errors.Is(err, fs.ErrNotExist) {
		kind = LinkHardwareAbsent
	} else if errors.Is(err, fs.ErrPermission) {
		kind = LinkPermission
	}
	return &LinkError{Op: "dial", Kind: kind, Err: fmt.Errorf("failed to open serial port %s: %w", name, err)}
}
