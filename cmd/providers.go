package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"streamwalk/internal/media"
	"streamwalk/internal/provider"
)

var flagType string

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers in priority order",
	Args:  cobra.NoArgs,
	RunE:  providersRun,
}

func init() {
	providersCmd.Flags().StringVarP(&flagType, "type", "t", "", "Only providers serving movie or tv")
}

func providersRun(cmd *cobra.Command, args []string) error {
	reg, err := provider.Load(cfg.Registry)
	if err != nil {
		return fmt.Errorf("loading providers: %w", err)
	}

	specs := reg.All()
	if flagType != "" {
		ct, err := media.ParseContentType(flagType)
		if err != nil {
			return err
		}
		specs = reg.List(ct)
	}
	if len(specs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No providers configured.")
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"ID", "Priority", "Types", "Decode", "Steps", "Browser", "Timeout"},
		providerRows(specs),
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignRight},
	))
	return nil
}

func providerRows(specs []provider.Spec) [][]string {
	rows := make([][]string, 0, len(specs))
	for _, s := range specs {
		types := make([]string, 0, len(s.Types()))
		for _, t := range s.Types() {
			types = append(types, t.String())
		}
		browser := "no"
		if s.RequiresBrowser {
			browser = "yes"
		}
		timeout := "-"
		if d := s.WalkTimeout(); d > 0 {
			timeout = d.String()
		}
		rows = append(rows, []string{
			s.ID,
			strconv.Itoa(s.Priority),
			strings.Join(types, ","),
			s.DecodeStrategy,
			strconv.Itoa(len(s.Chain())),
			browser,
			timeout,
		})
	}
	return rows
}
