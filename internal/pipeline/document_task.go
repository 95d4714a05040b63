package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ahalverson/docmill/internal/home"
	"github.com/ahalverson/docmill/internal/queue"
	"github.com/ahalverson/docmill/internal/store"
)

// handleProcessDocument validates the source file, creates page rows, and
// fans out one extraction task per page. Validation failures are
// fail-fast: the document is marked failed and no page tasks are
// enqueued. The handler is idempotent under redelivery; page rows are
// created once and terminal documents are a no-op.
func (p *Pipeline) handleProcessDocument(ctx context.Context, task *queue.Task) error {
	var payload documentPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("invalid document payload: %w", err)
	}
	logger := p.logger.With("document_id", payload.DocumentID)

	doc, err := p.store.GetDocument(ctx, payload.DocumentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, payload.DocumentID)
		}
		return err
	}
	if doc.Status.Terminal() {
		logger.Info("document already terminal, skipping", "status", doc.Status)
		return nil
	}

	srcKey := home.OriginalPath(doc.ID)
	if !p.blobs.Exists(srcKey) {
		return p.failDocumentFast(ctx, doc.ID, fmt.Errorf("%w: original file missing", ErrValidation))
	}
	srcPath := p.blobs.Path(srcKey)

	if err := p.extractor.Validate(srcPath); err != nil {
		return p.failDocumentFast(ctx, doc.ID, fmt.Errorf("%w: %v", ErrValidation, err))
	}

	pageCount, err := p.extractor.PageCount(srcPath)
	if err != nil {
		return p.failDocumentFast(ctx, doc.ID, fmt.Errorf("%w: page count: %v", ErrValidation, err))
	}
	if pageCount < 1 {
		return p.failDocumentFast(ctx, doc.ID, fmt.Errorf("%w: document has no pages", ErrValidation))
	}
	if err := p.store.SetDocumentPageCount(ctx, doc.ID, pageCount); err != nil {
		return err
	}

	analysis := p.analysisFor(doc.ID, srcPath)
	if len(analysis.Warnings) > 0 {
		logger.Warn("edge case analysis produced warnings",
			"warnings", analysis.Warnings, "strategy", analysis.Strategy)
	}

	plan := BuildPlan(pageCount, p.cfg.Planner)
	logger.Info("processing plan built",
		"pages", pageCount,
		"chunked", plan.Chunked,
		"chunks", len(plan.Chunks),
		"estimated_memory_mb", plan.EstimatedMemoryMB,
		"resource_strategy", plan.ResourceStrategy,
		"extraction_strategy", analysis.Strategy,
	)

	// Page rows are created exactly once. A redelivered task sees the
	// existing rows and only re-enqueues the fan-out.
	counts, err := p.store.CountPagesByStatus(ctx, doc.ID)
	if err != nil {
		return err
	}
	existing := 0
	for _, n := range counts {
		existing += n
	}
	if existing == 0 {
		if err := p.store.CreatePages(ctx, doc.ID, pageCount); err != nil {
			return p.failDocumentFast(ctx, doc.ID, fmt.Errorf("failed to create page records: %w", err))
		}
	}

	if _, err := p.store.MarkDocumentProcessing(ctx, doc.ID); err != nil {
		return err
	}
	p.audit.Emit("document_started", doc.ID, 0, fmt.Sprintf("%d pages", pageCount))

	startPage := 1
	if plan.Checkpointed {
		if cp, ok := LoadCheckpoint(p.cache, doc.ID); ok && cp.CurrentPage >= 1 {
			startPage = cp.CurrentPage + 1
			logger.Info("resuming fan-out from checkpoint", "start_page", startPage)
		}
	}

	if plan.Chunked {
		for _, chunk := range plan.Chunks {
			if chunk.End < startPage {
				continue
			}
			first := chunk.Start
			if first < startPage {
				first = startPage
			}
			for n := first; n <= chunk.End; n++ {
				if err := p.enqueuePage(ctx, doc.ID, n); err != nil {
					return err
				}
			}
			if plan.Checkpointed {
				SaveCheckpoint(p.cache, Checkpoint{
					DocumentID:  doc.ID,
					CurrentPage: chunk.End,
					State:       "fanning_out",
				}, p.cfg.Processing.MaxProcessingTime())
			}
			logger.Debug("chunk enqueued", "start", chunk.Start, "end", chunk.End,
				"estimated_duration", chunk.EstimatedDuration)
		}
	} else {
		for n := startPage; n <= pageCount; n++ {
			if err := p.enqueuePage(ctx, doc.ID, n); err != nil {
				return err
			}
		}
	}

	logger.Info("page tasks enqueued", "pages", pageCount)
	return nil
}

func (p *Pipeline) enqueuePage(ctx context.Context, documentID string, pageNumber int) error {
	_, err := p.queue.Enqueue(ctx, TaskExtractPage, pagePayload{
		DocumentID: documentID,
		PageNumber: pageNumber,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue page %d: %w", pageNumber, err)
	}
	return nil
}

// failDocumentFast marks the document failed before any fan-out and
// surfaces the cause as the task error.
func (p *Pipeline) failDocumentFast(ctx context.Context, documentID string, cause error) error {
	if _, err := p.store.FailDocument(ctx, documentID, cause.Error(), 0, 0); err != nil {
		p.logger.Error("failed to mark document failed", "document_id", documentID, "error", err)
	}
	p.audit.Emit("document_failed", documentID, 0, cause.Error())
	p.logger.Error("document processing failed before fan-out", "document_id", documentID, "error", cause)
	return cause
}
