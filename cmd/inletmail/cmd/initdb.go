package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inletmail/inletmail/internal/store"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Initialize the database schema",
	Long: `Initialize the inletmail database with the required schema.

This command creates the inbound email, subscription and delivery tables.
It is safe to run multiple times - tables are only created if they don't
already exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := cfg.DatabasePath()
		logger.Info("initializing database", "path", dbPath)

		s, err := store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()

		if err := s.InitSchema(); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}

		logger.Info("database initialized successfully")
		fmt.Printf("Database: %s\n", dbPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initDBCmd)
}
