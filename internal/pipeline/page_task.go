package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ahalverson/docmill/internal/home"
	"github.com/ahalverson/docmill/internal/queue"
	"github.com/ahalverson/docmill/internal/store"
)

// handleExtractPage extracts a single page into its own artifact,
// renders its thumbnail, and hands off to the text task. Failures flow
// through the error classifier: retryable categories come back as a
// queue redelivery with the classifier's wait, terminal ones mark the
// page failed and poke the finalizer.
func (p *Pipeline) handleExtractPage(ctx context.Context, task *queue.Task) error {
	var payload pagePayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("invalid page payload: %w", err)
	}
	logger := p.logger.With("document_id", payload.DocumentID, "page", payload.PageNumber)

	doc, err := p.store.GetDocument(ctx, payload.DocumentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, payload.DocumentID)
		}
		return p.pageFailure(ctx, payload.DocumentID, payload.PageNumber, task, err)
	}
	if doc.Status.Terminal() {
		logger.Info("document already terminal, skipping page", "status", doc.Status)
		return nil
	}

	claimed, err := p.store.ClaimPage(ctx, doc.ID, payload.PageNumber)
	if err != nil {
		return p.pageFailure(ctx, doc.ID, payload.PageNumber, task, err)
	}
	if !claimed {
		// Page already terminal; a redelivered task has nothing to do.
		logger.Debug("page claim lost, skipping")
		return nil
	}

	srcPath := p.blobs.Path(home.OriginalPath(doc.ID))
	analysis := p.analysisFor(doc.ID, srcPath)

	tmpDir, err := os.MkdirTemp("", "docmill-page-*")
	if err != nil {
		return p.pageFailure(ctx, doc.ID, payload.PageNumber, task, err)
	}
	defer os.RemoveAll(tmpDir)

	pagePath := filepath.Join(tmpDir, "page.pdf")
	if err := p.extractor.ExtractPage(ctx, srcPath, payload.PageNumber, analysis.Strategy, pagePath); err != nil {
		return p.pageFailure(ctx, doc.ID, payload.PageNumber, task,
			fmt.Errorf("page extraction failed: %w", err))
	}

	data, err := os.ReadFile(pagePath)
	if err != nil {
		return p.pageFailure(ctx, doc.ID, payload.PageNumber, task, err)
	}
	pageKey := home.PagePath(doc.ID, payload.PageNumber)
	if err := p.blobs.Put(pageKey, data); err != nil {
		return p.pageFailure(ctx, doc.ID, payload.PageNumber, task, err)
	}

	if err := p.store.SetPageArtifact(ctx, doc.ID, payload.PageNumber,
		pageKey, "single_page_trim", analysis.EdgeCases(), analysis.Strategy); err != nil {
		return p.pageFailure(ctx, doc.ID, payload.PageNumber, task, err)
	}

	// Thumbnails are cosmetic; a rendering failure never fails the page.
	if p.cfg.Thumbnails.Enabled {
		p.renderThumbnail(ctx, doc.ID, payload.PageNumber, srcPath, tmpDir)
	}

	if _, err := p.queue.Enqueue(ctx, TaskExtractText, payload); err != nil {
		return p.pageFailure(ctx, doc.ID, payload.PageNumber, task,
			fmt.Errorf("failed to enqueue text extraction: %w", err))
	}

	p.audit.Emit("page_extracted", doc.ID, payload.PageNumber, analysis.Strategy)
	logger.Debug("page extracted", "strategy", analysis.Strategy, "bytes", len(data))
	return nil
}

func (p *Pipeline) renderThumbnail(ctx context.Context, documentID string, pageNumber int, srcPath, tmpDir string) {
	logger := p.logger.With("document_id", documentID, "page", pageNumber)

	thumbPath := filepath.Join(tmpDir, "thumb.png")
	if err := p.extractor.Thumbnail(ctx, srcPath, pageNumber, thumbPath); err != nil {
		logger.Warn("thumbnail generation failed, continuing without", "error", err)
		p.audit.Emit("thumbnail_failed", documentID, pageNumber, err.Error())
		return
	}

	data, err := os.ReadFile(thumbPath)
	if err != nil {
		logger.Warn("thumbnail read failed, continuing without", "error", err)
		return
	}
	thumbKey := home.ThumbnailPath(documentID, pageNumber)
	if err := p.blobs.Put(thumbKey, data); err != nil {
		logger.Warn("thumbnail store failed, continuing without", "error", err)
		return
	}
	if err := p.store.SetPageThumbnail(ctx, documentID, pageNumber, thumbKey); err != nil {
		logger.Warn("thumbnail record failed, continuing without", "error", err)
	}
}

// pageFailure routes a page error through the classifier. Retryable
// outcomes surface as a redelivery with the decided wait; terminal ones
// mark the page failed and trigger finalization.
func (p *Pipeline) pageFailure(ctx context.Context, documentID string, pageNumber int, task *queue.Task, cause error) error {
	category := Classify(cause.Error())
	decision := Decide(category, task.Attempts, task.MaxAttempts)
	logger := p.logger.With("document_id", documentID, "page", pageNumber,
		"category", string(category), "attempt", task.Attempts)

	// A retryable error past the retry window would die in the queue
	// without redelivery, stranding the page in processing. Terminalize
	// here instead so the page is failed and the document can finalize.
	if decision.ShouldRetry && task.RetryWindowExhausted() {
		decision = RetryDecision{Reason: "retry_window_exhausted"}
	}

	if decision.ShouldRetry {
		logger.Warn("page failed, scheduling retry",
			"strategy", decision.Strategy, "wait", decision.Wait, "error", cause)
		return queue.Retryable(cause, decision.Wait)
	}

	logger.Error("page failed permanently", "reason", decision.Reason, "error", cause)
	if _, err := p.store.FailPage(ctx, documentID, pageNumber, cause.Error()); err != nil {
		logger.Error("failed to mark page failed", "error", err)
	}
	p.audit.Emit("page_failed", documentID, pageNumber, cause.Error())

	if err := p.finalize(ctx, documentID); err != nil {
		logger.Error("finalization after page failure failed", "error", err)
	}
	return cause
}
