// Command stackwatch runs the continuous-deployment reconciler: it
// watches git repositories and image registries, stages and runs a
// recipe to produce a stack descriptor, and deploys it to a
// Portainer-style orchestrator when something changed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags: -X main.version=v0.1.0
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, logLevel string

	root := &cobra.Command{
		Use:           "stackwatch",
		Short:         "Continuous-deployment reconciler for Portainer-style swarms",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/stackwatch/config.yaml", "path to configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override main.log_level from configuration")

	root.AddCommand(newRunCmd(&configPath, &logLevel))
	root.AddCommand(newValidateCmd(&configPath))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
