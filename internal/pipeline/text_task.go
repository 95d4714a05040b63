package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/ahalverson/docmill/internal/queue"
	"github.com/ahalverson/docmill/internal/search"
	"github.com/ahalverson/docmill/internal/store"
)

// pageTextCacheKey is the warm-cache key for a page's text payload.
func pageTextCacheKey(documentID string, pageNumber int) string {
	return fmt.Sprintf("page:%s:%d", documentID, pageNumber)
}

type pageTextPayload struct {
	Text       string `json:"text"`
	WordCount  int    `json:"word_count"`
	HasContent bool   `json:"has_content"`
}

// handleExtractText pulls text from a completed page artifact, indexes
// it for search, and completes the page. It is the tail of the per-page
// chain, so both its success and failure paths end in the finalizer.
func (p *Pipeline) handleExtractText(ctx context.Context, task *queue.Task) error {
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
		// Returning a storage error raw would fail the task in the queue
		// with the page still in processing; terminalize the page instead.
		return p.textFailure(ctx, payload.DocumentID, payload.PageNumber, err)
	}
	if doc.Status.Terminal() {
		logger.Info("document already terminal, skipping text extraction", "status", doc.Status)
		return nil
	}

	page, err := p.store.GetPage(ctx, payload.DocumentID, payload.PageNumber)
	if err != nil {
		return p.textFailure(ctx, payload.DocumentID, payload.PageNumber, err)
	}
	if page.Status.Terminal() {
		// Redelivered after the page already settled; only make sure the
		// document catches up.
		return p.finalize(ctx, payload.DocumentID)
	}
	if page.PageFilePath == "" {
		return p.textFailure(ctx, payload.DocumentID, payload.PageNumber,
			fmt.Errorf("%w: page %d has no extracted artifact", ErrMissingArtifact, payload.PageNumber))
	}

	text, err := p.texts.ExtractText(ctx, p.blobs.Path(page.PageFilePath))
	if err != nil {
		return p.textFailure(ctx, payload.DocumentID, payload.PageNumber,
			fmt.Errorf("text extraction failed: %w", err))
	}

	wordCount := search.WordCount(text)
	hasContent := wordCount > 0

	if hasContent {
		err := retry.Do(
			func() error {
				return p.index.Index(ctx, payload.DocumentID, payload.PageNumber, text)
			},
			retry.Context(ctx),
			retry.Attempts(3),
			retry.Delay(200*time.Millisecond),
		)
		if err != nil {
			return p.textFailure(ctx, payload.DocumentID, payload.PageNumber,
				fmt.Errorf("search indexing failed: %w", err))
		}
	}

	if cached, err := json.Marshal(pageTextPayload{
		Text:       text,
		WordCount:  wordCount,
		HasContent: hasContent,
	}); err == nil {
		p.cache.Put(pageTextCacheKey(payload.DocumentID, payload.PageNumber),
			cached, p.cfg.Processing.MaxProcessingTime())
	}

	won, err := p.store.CompletePage(ctx, payload.DocumentID, payload.PageNumber)
	if err != nil {
		return p.textFailure(ctx, payload.DocumentID, payload.PageNumber, err)
	}
	if won {
		p.audit.Emit("page_completed", payload.DocumentID, payload.PageNumber,
			fmt.Sprintf("%d words", wordCount))
		logger.Debug("page completed", "words", wordCount, "has_content", hasContent)
	}

	return p.finalize(ctx, payload.DocumentID)
}

// textFailure marks the page failed and triggers finalization. Text-task
// errors are terminal for the page; the queue lease covers crash
// redelivery.
func (p *Pipeline) textFailure(ctx context.Context, documentID string, pageNumber int, cause error) error {
	logger := p.logger.With("document_id", documentID, "page", pageNumber)
	logger.Error("text extraction task failed", "error", cause)

	if _, err := p.store.FailPage(ctx, documentID, pageNumber, cause.Error()); err != nil {
		logger.Error("failed to mark page failed", "error", err)
	}
	p.audit.Emit("page_failed", documentID, pageNumber, cause.Error())

	if err := p.finalize(ctx, documentID); err != nil {
		logger.Error("finalization after text failure failed", "error", err)
	}
	return cause
}
