package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahalverson/docmill/internal/api"
	"github.com/ahalverson/docmill/internal/svcctx"
)

var processNoWait bool

var processCmd = &cobra.Command{
	Use:   "process <file.pdf>",
	Short: "Ingest a PDF and process it page by page",
	Long: `Ingest a PDF into the blob store and run it through the processing
pipeline: per-page extraction, edge-case-aware strategy selection, text
extraction with search indexing, and thumbnail generation.

By default the command runs the queue workers until the document reaches
a terminal status, then prints a summary.

Examples:
  docmill process book.pdf
  docmill process --no-wait book.pdf    # enqueue only; process later via serve`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		services, cleanup, err := setupServices()
		if err != nil {
			return err
		}
		defer cleanup()
		ctx = svcctx.WithServices(ctx, services)

		doc, err := services.Pipeline.Ingest(ctx, args[0])
		if err != nil {
			return err
		}
		if doc.Status.Terminal() {
			services.Logger.Info("document already processed", "document_id", doc.ID, "status", doc.Status)
			return outputProgress(ctx, services, doc.ID)
		}

		if err := services.Pipeline.ProcessDocument(ctx, doc.ID); err != nil {
			return err
		}
		if processNoWait {
			fmt.Printf("enqueued document %s\n", doc.ID)
			return nil
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go services.Queue.Run(runCtx)
		go services.Audit.Run(runCtx)

		if err := waitForTerminal(ctx, services, doc.ID); err != nil {
			return err
		}
		return outputProgress(ctx, services, doc.ID)
	},
}

// waitForTerminal polls document progress until a terminal status or
// context cancellation.
func waitForTerminal(ctx context.Context, services *svcctx.Services, documentID string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p, err := services.Pipeline.Progress(ctx, documentID)
			if err != nil {
				return err
			}
			if p.Status.Terminal() {
				return nil
			}
		}
	}
}

func outputProgress(ctx context.Context, services *svcctx.Services, documentID string) error {
	p, err := services.Pipeline.Progress(ctx, documentID)
	if err != nil {
		return err
	}
	return api.Output(documentReport{
		DocumentID: documentID,
		Status:     string(p.Status),
		Stage:      p.Stage,
		Percent:    p.Percent,
		Completed:  p.Completed,
		Failed:     p.Failed,
		Total:      p.Total,
	})
}

// documentReport is the CLI-facing progress summary.
type documentReport struct {
	DocumentID string  `json:"document_id" yaml:"document_id"`
	Status     string  `json:"status" yaml:"status"`
	Stage      string  `json:"stage,omitempty" yaml:"stage,omitempty"`
	Percent    float64 `json:"percent" yaml:"percent"`
	Completed  int     `json:"completed" yaml:"completed"`
	Failed     int     `json:"failed" yaml:"failed"`
	Total      int     `json:"total" yaml:"total"`
}

func init() {
	processCmd.Flags().BoolVar(&processNoWait, "no-wait", false, "enqueue without running workers")
	rootCmd.AddCommand(processCmd)
}
