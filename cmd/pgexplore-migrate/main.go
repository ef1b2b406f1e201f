// cmd/pgexplore-migrate/main.go
package main

import (
	"fmt"
	"os"

	"github.com/dqhieuu/pg-explore-sub000/internal/config"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "pgexplore-migrate"}

func newMigrate(cmd *cobra.Command) *migrate.Migrate {
	cfg, err := config.Load(cmd)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	source, _ := cmd.Flags().GetString("source")
	m, err := migrate.New(source, cfg.DB)
	if err != nil {
		fmt.Printf("Failed to initialize migrations: %v\n", err)
		os.Exit(1)
	}
	return m
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply all pending metadata migrations",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrate(cmd)
		defer m.Close()
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Revert the last applied metadata migration",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrate(cmd)
		defer m.Close()
		if err := m.Steps(-1); err != nil {
			fmt.Printf("Failed to roll back migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Rolled back one migration")
	},
}

func main() {
	config.AddFlags(rootCmd)
	rootCmd.PersistentFlags().String("source", "file://migrations", "Migrations source URL")
	rootCmd.AddCommand(migrateCmd, rollbackCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
