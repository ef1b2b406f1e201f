package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dqhieuu/pg-explore-sub000/internal/cli"
	"github.com/dqhieuu/pg-explore-sub000/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pgexplore",
	Short: "Build PostgreSQL databases from schema and data workflows",
}

func main() {
	config.AddFlags(rootCmd)
	cli.SetupCLI(rootCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
