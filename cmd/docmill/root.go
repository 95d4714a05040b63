package main

import (
	"github.com/spf13/cobra"

	"github.com/ahalverson/docmill/internal/api"
	"github.com/ahalverson/docmill/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "docmill",
	Short: "Asynchronous document-processing pipeline for PDFs",
	Long: `Docmill ingests PDF documents and processes them page by page through
an asynchronous task pipeline.

Processing includes:
  - Per-page extraction into standalone page artifacts
  - Edge-case analysis (portfolios, forms, spreads) driving extraction strategy
  - Text extraction with search indexing
  - Thumbnail generation
  - Automatic retry with error-category-aware backoff`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ~/.docmill/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "docmill home directory (default: ~/.docmill)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
