// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/kiln/pkg/profile"
)

var profilesVerbose bool

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Load, validate and list reflow profiles",
	Long: `Load profiles from the configured paths (or the built-in curves when
none are configured) and list the ones that validate.

Profiles that fail validation are reported and the command exits 1, so it
can be used to check a profile file before a run.

Profile file format (YAML or JSON):
  sac305:
    name: SAC305 lead-free
    waypoints: [[0, 25], [90, 150], [180, 200], [240, 245], [300, 25]]`,
	RunE: runProfiles,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.Flags().BoolVarP(&profilesVerbose, "verbose", "v", false, "Show waypoints")
}

func runProfiles(cmd *cobra.Command, args []string) error {
	var store *profile.Store
	var loadErr error
	if len(cfg.Profiles.Paths) == 0 {
		store, loadErr = profile.NewStore(profile.Builtin()...)
	} else {
		store, loadErr = profile.Load(cfg.Profiles.Paths...)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tWAYPOINTS\tDURATION\tPEAK")
	for _, id := range store.IDs() {
		p, _ := store.Get(id)
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%.0f°C\n", p.ID(), p.Name(), p.Len(), p.Duration(), p.PeakTemperature())
		if profilesVerbose {
			for _, wp := range p.Waypoints() {
				fmt.Fprintf(w, "\t  %s\t%.0f°C\t\t\n", wp.Offset.Round(time.Second), wp.Temperature)
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if loadErr != nil {
		return exitWith(1, "invalid profiles: %w", loadErr)
	}
	return nil
}
