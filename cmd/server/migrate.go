package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/warp/ledger-engine/config"
	"github.com/warp/ledger-engine/store/postgres"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
	migrateCmd.AddCommand(migrateForceCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
	Long: `Apply, roll back or inspect the embedded PostgreSQL migrations.
The connection is built from DB_HOST, DB_PORT, DB_USER, DB_PASSWORD,
DB_NAME and DB_SSLMODE. SQLite databases migrate themselves on open.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: withMigrator(func(cmd *cobra.Command, mg *postgres.Migrator, args []string) error {
		if err := mg.Up(); err != nil {
			return err
		}
		cmd.Println("Migrations applied successfully")
		return nil
	}),
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: withMigrator(func(cmd *cobra.Command, mg *postgres.Migrator, args []string) error {
		if err := mg.Down(); err != nil {
			return err
		}
		cmd.Println("Migration rolled back successfully")
		return nil
	}),
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: withMigrator(func(cmd *cobra.Command, mg *postgres.Migrator, args []string) error {
		version, dirty, err := mg.Version()
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		cmd.Printf("Version: %d, Dirty: %v\n", version, dirty)
		return nil
	}),
}

var migrateForceCmd = &cobra.Command{
	Use:   "force VERSION",
	Short: "Set the schema version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: withMigrator(func(cmd *cobra.Command, mg *postgres.Migrator, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version: %w", err)
		}
		if err := mg.Force(version); err != nil {
			return err
		}
		cmd.Printf("Forced version to %d\n", version)
		return nil
	}),
}

func withMigrator(fn func(cmd *cobra.Command, mg *postgres.Migrator, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		mg, err := postgres.NewMigrator(cfg.ConnectionString())
		if err != nil {
			return err
		}
		defer mg.Close()
		return fn(cmd, mg, args)
	}
}
