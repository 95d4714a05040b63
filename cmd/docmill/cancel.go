package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <document-id>",
	Short: "Cancel processing of a document",
	Long: `Transition a document to cancelled. In-flight page tasks observe the
terminal status and abort without writing; cancellation is never
overwritten by late task completions.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		services, cleanup, err := setupServices()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := services.Pipeline.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("cancelled document %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
