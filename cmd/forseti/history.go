package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ipsix/forseti/internal/logging"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lint runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "text" && output != "json" {
				return fmt.Errorf("unknown output format %q", output)
			}
			cfg, _, err := a.loadConfig(".", false)
			if err != nil {
				return err
			}
			ws, err := a.openWorkspace(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer ws.Close()

			if retention := cfg.Forseti.HistoryRetention(); retention > 0 {
				if n, err := ws.runs.PruneOlderThan(time.Now().Add(-retention)); err != nil {
					a.log().Warn("prune run history failed", logging.Err(err))
				} else if n > 0 {
					a.log().Debug("pruned run history", logging.F("removed", n))
				}
			}
			runs, err := ws.runs.List(limit)
			if err != nil {
				return err
			}
			if output == "json" {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			if len(runs) == 0 {
				a.printf("No lint runs recorded\n")
				return nil
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tSTATUS\tERRORS\tWARNINGS\tFILES\tDURATION\tRUN")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					r.Status, r.Summary.Errors, r.Summary.Warnings, r.Summary.Files,
					r.Duration.Round(time.Millisecond), r.RunID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to show (0 for all)")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}
