// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Kiln - reflow oven controller host
//
// A CLI tool for running reflow profiles on a wireless oven controller and
// monitoring its telemetry.

package main

import (
	"os"

	"github.com/Thermoquad/kiln/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
