package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/ahalverson/docmill/internal/store"
)

// allPagesFailedError is the document error recorded when no page
// produced an artifact.
const allPagesFailedError = "All page processing jobs failed"

// documentCacheKey is the warm-cache key for a document summary.
func documentCacheKey(documentID string) string {
	return "document:" + documentID
}

type documentSummary struct {
	DocumentID     string  `json:"document_id"`
	Status         string  `json:"status"`
	PageCount      int     `json:"page_count"`
	CompletedPages int     `json:"completed_pages"`
	FailedPages    int     `json:"failed_pages"`
	Percent        float64 `json:"percent"`
	IsSearchable   bool    `json:"is_searchable"`
}

// finalize is invoked after every page settles, so it runs up to once per
// page per document. It is a strict no-op until every page is terminal;
// then the guarded status update makes exactly one caller the winner, and
// only the winner runs the side effects. Concurrent callers and
// redeliveries are therefore harmless.
func (p *Pipeline) finalize(ctx context.Context, documentID string) error {
	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status.Terminal() {
		return nil
	}
	if doc.PageCount < 1 {
		return nil
	}

	counts, err := p.store.CountPagesByStatus(ctx, documentID)
	if err != nil {
		return err
	}
	successful := counts[store.PageCompleted]
	failed := counts[store.PageFailed]
	if successful+failed < doc.PageCount {
		return nil
	}

	logger := p.logger.With("document_id", documentID,
		"successful", successful, "failed", failed, "pages", doc.PageCount)

	if successful == 0 {
		won, err := p.store.FailDocument(ctx, documentID, allPagesFailedError, 0, failed)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		ClearCheckpoint(p.cache, documentID)
		p.audit.Emit("document_failed", documentID, 0, allPagesFailedError)
		logger.Error("document failed: no pages completed")
		return nil
	}

	won, err := p.store.CompleteDocument(ctx, documentID, successful, failed)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	ClearCheckpoint(p.cache, documentID)
	p.warmDocumentCache(ctx, documentID, successful, failed, doc.PageCount)
	p.audit.Emit("document_completed", documentID, 0,
		fmt.Sprintf("%d completed, %d failed", successful, failed))
	logger.Info("document processing completed")
	return nil
}

// warmDocumentCache primes the read cache with the finished document
// summary. Best-effort: failures are logged and never affect the
// document's terminal status.
func (p *Pipeline) warmDocumentCache(ctx context.Context, documentID string, successful, failed, pageCount int) {
	err := retry.Do(
		func() error {
			summary := documentSummary{
				DocumentID:     documentID,
				Status:         string(store.DocCompleted),
				PageCount:      pageCount,
				CompletedPages: successful,
				FailedPages:    failed,
				Percent:        100,
				IsSearchable:   true,
			}
			data, err := json.Marshal(summary)
			if err != nil {
				return err
			}
			p.cache.Put(documentCacheKey(documentID), data, p.cfg.Processing.MaxProcessingTime())
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
	)
	if err != nil {
		p.logger.Warn("cache warm failed after completion", "document_id", documentID, "error", err)
	}
}
