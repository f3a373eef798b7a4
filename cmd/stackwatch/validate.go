package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackwatch/stackwatch/internal/config"
)

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration file, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config OK: %d watched repos, %d portainer instances, polling every %s\n",
				len(cfg.Main.WatchedGitRepositories), len(cfg.Main.Portainer), cfg.PollingInterval())
			return nil
		},
	}
}
