// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build linux

package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

var (
	adapter       = bluetooth.DefaultAdapter
	enableOnce    sync.Once
	enableErr     error
	bleRxCapacity = 256
)

func enableAdapter() error {
	enableOnce.Do(func() {
		enableErr = adapter.Enable()
	})
	if enableErr != nil {
		return &LinkError{Op: "ble", Kind: LinkHardwareAbsent, Err: fmt.Errorf("bluetooth adapter: %w", enableErr)}
	}
	return nil
}

// Dial implements Dialer for ble:// tokens
func (d *BLEDialer) Dial(ctx context.Context, deviceID string) (Conn, error) {
	dev, err := ParseDevice(deviceID)
	if err != nil {
		return nil, &LinkError{Op: "dial", Kind: LinkUnreachable, Err: err}
	}
	mac, err := bluetooth.ParseMAC(dev.Address)
	if err != nil {
		return nil, &LinkError{Op: "dial", Kind: LinkUnreachable, Err: fmt.Errorf("invalid BLE address %q: %w", dev.Address, err)}
	}
	if err := enableAdapter(); err != nil {
		return nil, err
	}

	type result struct {
		conn Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := openUART(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}})
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		// Close a late connection so the peripheral is released
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func openUART(addr bluetooth.Address) (Conn, error) {
	device, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, &LinkError{Op: "dial", Kind: LinkUnreachable, Err: fmt.Errorf("ble connect %s: %w", addr.String(), err)}
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{bluetooth.ServiceUUIDNordicUART})
	if err != nil || len(services) == 0 {
		device.Disconnect()
		return nil, &LinkError{Op: "dial", Kind: LinkHardwareAbsent, Err: fmt.Errorf("nordic UART service not found: %v", err)}
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{
		bluetooth.CharacteristicUUIDUARTRX,
		bluetooth.CharacteristicUUIDUARTTX,
	})
	var rx, tx *bluetooth.DeviceCharacteristic
	for i := range chars {
		switch chars[i].UUID() {
		case bluetooth.CharacteristicUUIDUARTRX:
			rx = &chars[i]
		case bluetooth.CharacteristicUUIDUARTTX:
			tx = &chars[i]
		}
	}
	if err != nil || rx == nil || tx == nil {
		device.Disconnect()
		return nil, &LinkError{Op: "dial", Kind: LinkHardwareAbsent, Err: fmt.Errorf("nordic UART characteristics not found: %v", err)}
	}

	c := &bleConn{
		device: device,
		rx:     *rx,
		chunks: make(chan []byte, bleRxCapacity),
		closed: make(chan struct{}),
	}
	err = tx.EnableNotifications(func(buf []byte) {
		chunk := make([]byte, len(buf))
		copy(chunk, buf)
		select {
		case c.chunks <- chunk:
		case <-c.closed:
		}
	})
	if err != nil {
		device.Disconnect()
		return nil, &LinkError{Op: "dial", Kind: LinkUnreachable, Err: fmt.Errorf("enable notifications: %w", err)}
	}
	return c, nil
}

type bleConn struct {
	device bluetooth.Device
	rx     bluetooth.DeviceCharacteristic

	chunks    chan []byte
	pending   []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *bleConn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		select {
		case chunk := <-c.chunks:
			c.pending = chunk
		case <-c.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *bleConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	return c.rx.WriteWithoutResponse(p)
}

func (c *bleConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.device.Disconnect()
	})
	return err
}

// ScanBLE reports Nordic UART advertisers until ctx is done or timeout
// elapses. Each address is reported once.
func ScanBLE(ctx context.Context, timeout time.Duration, found func(Advertisement)) error {
	if err := enableAdapter(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		<-ctx.Done()
		adapter.StopScan()
	}()

	seen := make(map[string]bool)
	err := adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(bluetooth.ServiceUUIDNordicUART) {
			return
		}
		addr := strings.ToUpper(result.Address.String())
		if seen[addr] {
			return
		}
		seen[addr] = true
		found(Advertisement{Address: addr, Name: result.LocalName(), RSSI: result.RSSI})
	})
	if err != nil {
		return &LinkError{Op: "scan", Kind: LinkHardwareAbsent, Err: err}
	}
	return nil
}
