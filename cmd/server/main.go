/*
main.go - Application entry point

PURPOSE:
  Starts the sale-transition engine. Handles configuration, dependency
  injection, and graceful shutdown.

COMMANDS:
  serve          HTTP API (and the expiry sweeper when enabled)
  check <item>   Print the eligibility report of one item as JSON

GLOBAL FLAGS:
  --config   YAML config file (optional)
  --env      .env file(s) to read (default ./.env when present)
  --db       SQLite database path, overrides database.path

STARTUP SEQUENCE (serve):
  1. Load config (defaults -> YAML -> env)
  2. Build logger, SQLite store, item locker
  3. Build detector, evaluator, failsafe manager, transition service
  4. Configure HTTP router, start sweeper
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (server.shutdown_timeout)
  3. Stop the sweeper, close Redis and the database

EXAMPLES:
  ./server serve --config=./config.yaml
  ./server serve --db=":memory:"
  ./server check item-42 --actor=mgr-1

SEE ALSO:
  - config/config.go: Configuration sections and env variables
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	EnvFiles   []string
	DBPath     string
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Rentable to saleable transition engine",
		Long: `Moves an item from the rental fleet to sale inventory: detects
conflicting rentals and bookings, enforces approvals, and keeps a
24 hour rollback checkpoint for every applied transition.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML config file")
	cmd.PersistentFlags().StringSliceVar(&opts.EnvFiles, "env", nil, ".env file(s) to read")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "SQLite database path (overrides config)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))

	return cmd
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
