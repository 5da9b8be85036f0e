// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Thermoquad/kiln/pkg/config"
	"github.com/Thermoquad/kiln/pkg/logger"
)

var (
	cfgFile string
	v       = viper.New()

	// Set by the root command before any subcommand runs
	cfg *config.Config
	log = zap.NewNop().Sugar()
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Reflow oven controller host",
	Long: `Kiln - drive a reflow oven controller over Bluetooth, USB serial or a
WebSocket bridge.

The controller streams telemetry; kiln follows a temperature profile,
sends setpoints and tracks the reflow phase (preheat, soak, reflow,
cooling).

Device tokens:
  Serial:    serial:///dev/rfcomm0?baud=115200 (or a bare path)
  BLE:       ble://AA:BB:CC:DD:EE:FF
  WebSocket: ws://host/path or wss://host/path

Settings come from kiln.yaml (., then ~/.config/kiln), KILN_* environment
variables and flags. For WebSocket authentication the password is read from
KILN_PASSWORD, or prompted interactively if not set. There is intentionally
no --password flag so credentials stay out of shell history.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default ./kiln.yaml or ~/.config/kiln/kiln.yaml)")
	flags.StringP("device", "d", "", "Device token (serial://, ble://, ws://, wss://)")
	flags.String("log-level", logger.InfoLevel, "Log level (debug, info, warn, error)")
	flags.StringSlice("profiles", nil, "Profile files or directories (repeatable)")

	mustBind("device", "device")
	mustBind("log.level", "log-level")
	mustBind("profiles.paths", "profiles")
}

func mustBind(key, flag string) {
	if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	l, err := logger.New(c.Log.Level)
	if err != nil {
		return err
	}
	cfg, log = c, l
	return nil
}

// ExitError carries a process exit code out of a command
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitWith(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

// Execute runs the root command and returns the process exit code
func Execute() int {
	err := rootCmd.Execute()
	_ = log.Sync()
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return 1
}
