package main

import (
	"github.com/spf13/cobra"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Check the configuration without running anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := "."
			if len(args) == 1 {
				base = args[0]
			}
			cfg, path, err := a.loadConfig(base, true)
			if err != nil {
				return err
			}
			rules := 0
			for _, rs := range cfg.Rulesets() {
				rules += len(rs)
			}
			a.printf("%s: ok (%d engines declared, %d rules configured)\n", path, len(cfg.Dependencies()), rules)
			return nil
		},
	}
}
