package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/ahalverson/docmill/internal/api"
)

var statusPages bool

type pageReport struct {
	PageNumber int      `json:"page_number" yaml:"page_number"`
	Status     string   `json:"status" yaml:"status"`
	Strategy   string   `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	EdgeCases  []string `json:"edge_cases,omitempty" yaml:"edge_cases,omitempty"`
	Error      string   `json:"error,omitempty" yaml:"error,omitempty"`
}

type statusReport struct {
	documentReport `yaml:",inline"`
	Pages          []pageReport `json:"pages,omitempty" yaml:"pages,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status <document-id>",
	Short: "Show processing status for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		services, cleanup, err := setupServices()
		if err != nil {
			return err
		}
		defer cleanup()

		documentID := args[0]
		p, err := services.Pipeline.Progress(ctx, documentID)
		if err != nil {
			return err
		}

		report := statusReport{
			documentReport: documentReport{
				DocumentID: documentID,
				Status:     string(p.Status),
				Stage:      p.Stage,
				Percent:    p.Percent,
				Completed:  p.Completed,
				Failed:     p.Failed,
				Total:      p.Total,
			},
		}

		if statusPages {
			pages, err := services.Store.ListPages(ctx, documentID)
			if err != nil {
				return err
			}
			for _, pg := range pages {
				pr := pageReport{
					PageNumber: pg.PageNumber,
					Status:     string(pg.Status),
					Strategy:   pg.ResourceStrategy,
					Error:      pg.ProcessingError,
				}
				if pg.EdgeCases != "" {
					pr.EdgeCases = strings.Split(pg.EdgeCases, ",")
				}
				report.Pages = append(report.Pages, pr)
			}
		}

		return api.Output(report)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusPages, "pages", false, "include per-page detail")
	rootCmd.AddCommand(statusCmd)
}
