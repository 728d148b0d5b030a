package main

import (
	"github.com/lirancohen/loupe/config"
	"github.com/spf13/cobra"
)

// globals are the flags shared by every command.
type globals struct {
	configPath string
}

func (g *globals) load() (config.Config, error) {
	return config.Load(g.configPath)
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "loupe",
		Short: "Approval and escalation engine for the jewellery-store CRM",
		Long: `loupe decides which CRM actions need review, holds them as approval
requests and runs the approved ones.

Configuration is read from the --config YAML file and LOUPE_* environment
variables, for example LOUPE_DATABASE_URL and LOUPE_HTTP_JWT_SECRET.

Examples:
  # Create the database schema
  loupe migrate --config loupe.yaml

  # Run the API server and background workers
  loupe serve --config loupe.yaml

  # Check what the policy decides for a payload
  loupe evaluate SALE_CREATE '{"amount": 75000}'
`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to the YAML configuration file")

	root.AddCommand(newServeCmd(g))
	root.AddCommand(newMigrateCmd(g))
	root.AddCommand(newEvaluateCmd(g))
	root.AddCommand(newTokenCmd(g))
	return root
}
