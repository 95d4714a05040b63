package main

import (
	"github.com/spf13/cobra"

	"github.com/ahalverson/docmill/internal/api"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search extracted page text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		services, cleanup, err := setupServices()
		if err != nil {
			return err
		}
		defer cleanup()

		hits, err := services.Index.Search(cmd.Context(), args[0], searchLimit)
		if err != nil {
			return err
		}
		return api.Output(hits)
	},
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 50, "maximum number of results")
	rootCmd.AddCommand(searchCmd)
}
