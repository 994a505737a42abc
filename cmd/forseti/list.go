package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ipsix/forseti/internal/registry"
)

type listedEngine struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Version     string     `json:"version,omitempty"`
	Platform    string     `json:"platform,omitempty"`
	Source      string     `json:"source,omitempty"`
	Path        string     `json:"path"`
	InstalledAt *time.Time `json:"installed_at,omitempty"`
	Missing     bool       `json:"missing,omitempty"`
}

func listed(e registry.Entry) listedEngine {
	out := listedEngine{
		ID:       e.Identity.ID,
		Kind:     e.Identity.Kind,
		Version:  e.Identity.Version,
		Platform: e.Identity.Platform,
		Path:     e.Path,
		Missing:  e.Missing,
	}
	if e.Record != nil {
		out.Source = e.Record.SourceKind + ":" + e.Record.Locator
		at := e.Record.InstalledAt
		out.InstalledAt = &at
	}
	return out
}

func newListCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed engines",
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

			entries, err := ws.registry.List()
			if err != nil {
				return err
			}
			rows := make([]listedEngine, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, listed(e))
			}
			if output == "json" {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			if len(rows) == 0 {
				a.printf("No engines installed in %s\n", ws.registry.BinDir())
				return nil
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tVERSION\tSOURCE\tINSTALLED\tSTATUS")
			for _, r := range rows {
				installed := "-"
				if r.InstalledAt != nil {
					installed = r.InstalledAt.Local().Format("2006-01-02 15:04")
				}
				status := "ok"
				if r.Missing {
					status = "missing binary"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Kind, dash(r.Version), dash(r.Source), installed, status)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
