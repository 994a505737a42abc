package main

import (
	"github.com/spf13/cobra"

	"github.com/ipsix/forseti/internal/installer"
	"github.com/ipsix/forseti/internal/resolver"
)

func newInstallCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "install [path]",
		Short: "Install every engine declared under [engines]",
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
			deps := cfg.Dependencies()
			if len(deps) == 0 {
				a.printf("No engines declared in %s\n", path)
				return nil
			}

			ws, err := a.openWorkspace(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer ws.Close()

			decls := make([]installer.Declaration, 0, len(deps))
			for _, d := range deps {
				decls = append(decls, installer.Declaration{Identity: d.Identity, Source: d.Source})
			}
			outcomes, err := ws.installer.InstallAll(cmd.Context(), decls, force)
			for _, o := range outcomes {
				key := o.Declaration.Identity.Key()
				switch {
				case o.Err != nil:
					a.printf("failed     %-24s %s: %v\n", key, resolver.KindName(o.Err), o.Err)
				case o.Result.Cached:
					a.printf("up to date %-24s %s\n", key, o.Result.Identity.Version)
				default:
					a.printf("installed  %-24s %s (%s)\n", key, o.Result.Identity.Version, o.Result.Method)
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reinstall even when the installed binary matches")
	return cmd
}
