package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var retryWait bool

var retryCmd = &cobra.Command{
	Use:   "retry <document-id>",
	Short: "Re-enqueue failed pages of a document",
	Long: `Reset every failed page of the document back to pending and re-enqueue
its extraction task. A completed or failed document is reopened so the
retried pages can drive a fresh completion; a cancelled document cannot
be retried.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		services, cleanup, err := setupServices()
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := services.Pipeline.RetryFailedPages(ctx, args[0])
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Println("no failed pages to retry")
			return nil
		}
		fmt.Printf("re-enqueued %d failed pages\n", n)

		if !retryWait {
			return nil
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go services.Queue.Run(runCtx)
		go services.Audit.Run(runCtx)

		if err := waitForTerminal(ctx, services, args[0]); err != nil {
			return err
		}
		return outputProgress(ctx, services, args[0])
	},
}

func init() {
	retryCmd.Flags().BoolVar(&retryWait, "wait", true, "run workers until the document settles")
	rootCmd.AddCommand(retryCmd)
}
