// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/kiln/pkg/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List recorded reflow runs",
	Long: `List runs recorded by 'kiln run' and 'kiln serve', newest first, or show
the phase transitions of one run.

Runs are stored in the SQLite database at history.path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, _, closeHistory, err := openHistory()
	if err != nil {
		return err
	}
	defer closeHistory()
	if store == nil {
		return errors.New("run history is disabled (history.path is empty)")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if len(args) == 1 {
		run, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Run:\t%s\n", run.ID)
		fmt.Fprintf(w, "Profile:\t%s\n", run.Profile)
		fmt.Fprintf(w, "Status:\t%s\n", run.Status)
		if run.Reason != "" {
			fmt.Fprintf(w, "Reason:\t%s\n", run.Reason)
		}
		fmt.Fprintf(w, "Started:\t%s\n\n", run.StartedAt.Local().Format(time.DateTime))
		fmt.Fprintln(w, "ELAPSED\tFROM\tTO\tREASON")
		for _, tr := range run.Transitions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", tr.At.Sub(run.StartedAt).Round(time.Second), tr.From, tr.To, tr.Reason)
		}
		return nil
	}

	runs, err := store.List(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "ID\tPROFILE\tSTARTED\tDURATION\tSTATUS")
	for _, r := range runs {
		duration := "-"
		if r.Status != history.StatusRunning {
			duration = r.Duration().Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Profile, r.StartedAt.Local().Format(time.DateTime), duration, r.Status)
	}
	return nil
}
