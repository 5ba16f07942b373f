package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	// Flags
	debug bool
)

// errFindings is returned when verification completes but reports
// discrepancies. The report itself has already been rendered.
var errFindings = errors.New("verification reported findings")

func main() {
	rootCmd := &cobra.Command{
		Use:   "weathersync",
		Short: "Migrate and verify weather data from PostgreSQL to MongoDB",
		Long: `weathersync copies locations, observations and predictions from a
relational store into a document store, rewriting foreign keys as document
references, and verifies the result against the source.

Commands:
  weathersync migrate [--resume] [--verify]   Run a migration
  weathersync verify                          Compare the stores without writing
  weathersync serve                           Verify periodically and serve ops endpoints

Configuration is read from the environment (and a .env file if present).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newMigrateCmd(),
		newVerifyCmd(),
		newServeCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
