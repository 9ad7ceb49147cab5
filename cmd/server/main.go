/*
main.go - Application entry point

PURPOSE:
  Command tree for the ledger engine:

    ledger-server serve               Run the HTTP API
    ledger-server migrate up|down     Apply or roll back PostgreSQL migrations
    ledger-server migrate version     Print the schema version
    ledger-server migrate force N     Mark version N as clean

STARTUP SEQUENCE (serve):
  1. Load config from .env and the environment, apply flag overrides
  2. Open the store (SQLite or PostgreSQL)
  3. Seed default settings that are missing
  4. Build code generators, settlement engine, referral issuer and registrar
  5. Configure HTTP router and start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ledger-server",
	Short: "Marketplace ledger engine",
	Long: `Settles marketplace sales against seller debt, issues one-shot
referral bonuses and allocates collision-free codes.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
