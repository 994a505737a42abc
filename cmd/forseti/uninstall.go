package main

import (
	"bufio"
	"strings"

	"github.com/spf13/cobra"
)

func newUninstallCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "uninstall <id>",
		Short: "Remove an installed engine",
		Long:  "Remove an installed engine binary and its install record. The id is an engine id or <kind>_<id>.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.loadConfig(".", false)
			if err != nil {
				return err
			}
			ws, err := a.openWorkspace(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer ws.Close()

			entry, err := ws.registry.Find(args[0])
			if err != nil {
				return err
			}
			if !yes {
				a.printf("Remove %s (%s)? [y/N] ", entry.Identity.Key(), entry.Path)
				answer, _ := bufio.NewReader(a.stdin).ReadString('\n')
				switch strings.ToLower(strings.TrimSpace(answer)) {
				case "y", "yes":
				default:
					a.printf("Aborted\n")
					return nil
				}
			}
			removed, err := ws.installer.Uninstall(entry.Identity.Key())
			if err != nil {
				return err
			}
			a.printf("Removed %s\n", removed.Identity.Key())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
