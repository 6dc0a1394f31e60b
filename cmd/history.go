package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"streamwalk/internal/failure"
	"streamwalk/internal/history"
)

var (
	flagHealth bool
	flagLimit  int
	flagPrune  time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent resolutions or per-provider health",
	Args:  cobra.NoArgs,
	RunE:  historyRun,
}

func init() {
	historyCmd.Flags().BoolVar(&flagHealth, "health", false, "Per-provider success and failure counts")
	historyCmd.Flags().IntVarP(&flagLimit, "limit", "n", 20, "Number of events to show")
	historyCmd.Flags().DurationVar(&flagPrune, "prune", 0, "Delete events older than this age (e.g. 720h)")
}

func historyRun(cmd *cobra.Command, args []string) error {
	store, err := history.OpenDefault(logger)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if flagPrune > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-flagPrune))
		if err != nil {
			return fmt.Errorf("pruning history: %w", err)
		}
		fmt.Fprintf(out, "Pruned %d events.\n", n)
		return nil
	}

	if flagHealth {
		health, err := store.Health(ctx)
		if err != nil {
			return fmt.Errorf("loading health: %w", err)
		}
		if len(health) == 0 {
			fmt.Fprintln(out, "No history entries found.")
			return nil
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Provider", "OK", "Failed", "Rate", "Failures by kind", "Last success"},
			healthRows(health),
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignLeft, alignLeft},
		))
		return nil
	}

	entries, err := store.Recent(ctx, flagLimit)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No history entries found.")
		return nil
	}
	for _, line := range history.FormatForDisplay(entries) {
		fmt.Fprintln(out, line)
	}
	return nil
}

func healthRows(health []history.ProviderHealth) [][]string {
	rows := make([][]string, 0, len(health))
	for _, h := range health {
		kinds := make([]failure.Kind, 0, len(h.ByKind))
		for k := range h.ByKind {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		parts := make([]string, 0, len(kinds))
		for _, k := range kinds {
			parts = append(parts, fmt.Sprintf("%s=%d", k, h.ByKind[k]))
		}

		last := "-"
		if !h.LastSuccess.IsZero() {
			last = h.LastSuccess.Local().Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{
			h.ProviderID,
			strconv.Itoa(h.Successes),
			strconv.Itoa(h.Failures),
			fmt.Sprintf("%.0f%%", h.SuccessRate()*100),
			strings.Join(parts, " "),
			last,
		})
	}
	return rows
}
