// Package pipeline implements the asynchronous document-processing
// pipeline: document fan-out, per-page extraction, text extraction, and
// the idempotent completion finalizer that fans page outcomes back into
// one document status.
//
// Tasks run on an at-least-once queue; every handler here is written to
// be safe under redelivery. Cross-task communication happens only through
// Document/Page rows and task enqueueing; no task waits on a sibling.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ahalverson/docmill/internal/audit"
	"github.com/ahalverson/docmill/internal/blob"
	"github.com/ahalverson/docmill/internal/cache"
	"github.com/ahalverson/docmill/internal/config"
	"github.com/ahalverson/docmill/internal/home"
	"github.com/ahalverson/docmill/internal/queue"
	"github.com/ahalverson/docmill/internal/search"
	"github.com/ahalverson/docmill/internal/store"
)

// PageExtractor is the opaque per-page extraction collaborator.
type PageExtractor interface {
	Validate(path string) error
	PageCount(path string) (int, error)
	ExtractPage(ctx context.Context, src string, pageNum int, strategy, destPath string) error
	Thumbnail(ctx context.Context, src string, pageNum int, destPath string) error
}

// TextExtractor is the opaque text extraction collaborator. It degrades
// gracefully: internal extraction noise yields an empty string, not an
// error.
type TextExtractor interface {
	ExtractText(ctx context.Context, pagePath string) (string, error)
}

// Task type identifiers.
const (
	TaskProcessDocument = "process_document"
	TaskExtractPage     = "extract_page"
	TaskExtractText     = "extract_text"
)

type documentPayload struct {
	DocumentID string `json:"document_id"`
}

type pagePayload struct {
	DocumentID string `json:"document_id"`
	PageNumber int    `json:"page_number"`
}

const documentPayloadSchema = `{
	"type": "object",
	"required": ["document_id"],
	"properties": {
		"document_id": {"type": "string", "minLength": 1}
	}
}`

const pagePayloadSchema = `{
	"type": "object",
	"required": ["document_id", "page_number"],
	"properties": {
		"document_id": {"type": "string", "minLength": 1},
		"page_number": {"type": "integer", "minimum": 1}
	}
}`

// Deps holds the collaborators a Pipeline needs.
type Deps struct {
	Store     *store.Store
	Blobs     blob.Store
	Cache     cache.Cache
	Index     search.Indexer
	Queue     *queue.Queue
	Extractor PageExtractor
	Texts     TextExtractor
	Audit     *audit.Emitter
	Logger    *slog.Logger
	Config    *config.Config
}

// Pipeline is the produced document-processing interface.
type Pipeline struct {
	store     *store.Store
	blobs     blob.Store
	cache     cache.Cache
	index     search.Indexer
	queue     *queue.Queue
	extractor PageExtractor
	texts     TextExtractor
	audit     *audit.Emitter
	logger    *slog.Logger
	cfg       *config.Config
}

// New wires a Pipeline and registers its task handlers on the queue.
func New(deps Deps) (*Pipeline, error) {
	if deps.Store == nil || deps.Blobs == nil || deps.Cache == nil ||
		deps.Index == nil || deps.Queue == nil || deps.Extractor == nil ||
		deps.Texts == nil {
		return nil, fmt.Errorf("pipeline: missing dependency")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	emitter := deps.Audit
	if emitter == nil {
		emitter = audit.NewEmitter(logger, 0)
	}

	p := &Pipeline{
		store:     deps.Store,
		blobs:     deps.Blobs,
		cache:     deps.Cache,
		index:     deps.Index,
		queue:     deps.Queue,
		extractor: deps.Extractor,
		texts:     deps.Texts,
		audit:     emitter,
		logger:    logger,
		cfg:       cfg,
	}

	if err := p.registerHandlers(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) registerHandlers() error {
	retryWindow := p.cfg.Processing.RetryWindow()
	taskTimeout := p.cfg.Processing.EffectiveTimeout()

	// Document validation is fail-fast: a single delivery attempt, with
	// crash recovery handled by the queue's lock lease rather than the
	// retry policy.
	if err := p.queue.Register(TaskProcessDocument, queue.RegisterOptions{
		MaxAttempts:   1,
		PayloadSchema: documentPayloadSchema,
		Timeout:       taskTimeout,
	}, p.handleProcessDocument); err != nil {
		return err
	}

	if err := p.queue.Register(TaskExtractPage, queue.RegisterOptions{
		MaxAttempts:   p.cfg.Processing.MaxAttempts,
		RetryWindow:   retryWindow,
		PayloadSchema: pagePayloadSchema,
		Timeout:       taskTimeout,
	}, p.handleExtractPage); err != nil {
		return err
	}

	if err := p.queue.Register(TaskExtractText, queue.RegisterOptions{
		MaxAttempts:   1,
		RetryWindow:   retryWindow,
		PayloadSchema: pagePayloadSchema,
		Timeout:       taskTimeout,
	}, p.handleExtractText); err != nil {
		return err
	}

	return nil
}

// Ingest stores a source file in the blob store and creates its document
// row. Duplicate content (same sha256) returns the existing document.
func (p *Pipeline) Ingest(ctx context.Context, srcPath string) (*store.Document, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return nil, fmt.Errorf("failed to hash source file: %w", err)
	}
	fileHash := hex.EncodeToString(hasher.Sum(nil))

	if existing, err := p.store.GetDocumentByHash(ctx, fileHash); err == nil {
		p.logger.Info("duplicate file detected, reusing document",
			"document_id", existing.ID, "file_hash", fileHash)
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	doc := &store.Document{
		ID:           uuid.New().String(),
		FileHash:     fileHash,
		OriginalName: filepath.Base(srcPath),
		Status:       store.DocUploaded,
	}

	if err := p.blobs.PutFile(home.OriginalPath(doc.ID), srcPath); err != nil {
		return nil, err
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}

	p.audit.Emit("document_ingested", doc.ID, 0, doc.OriginalName)
	p.logger.Info("document ingested", "document_id", doc.ID, "file", doc.OriginalName)
	return doc, nil
}

// ProcessDocument enqueues the document-processing task for a document in
// an upload state.
func (p *Pipeline) ProcessDocument(ctx context.Context, documentID string) error {
	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrDocumentNotFound
		}
		return err
	}
	if doc.Status != store.DocUploaded && doc.Status != store.DocPendingUpload {
		return fmt.Errorf("document %s is %s, expected an upload state", documentID, doc.Status)
	}

	_, err = p.queue.Enqueue(ctx, TaskProcessDocument, documentPayload{DocumentID: documentID})
	return err
}

// DocumentProgress is the queryable processing state of a document.
type DocumentProgress struct {
	Status    store.DocumentStatus `json:"status"`
	Stage     string               `json:"stage"`
	Percent   float64              `json:"percent"`
	Completed int                  `json:"completed"`
	Failed    int                  `json:"failed"`
	Total     int                  `json:"total"`
}

// Progress returns live progress for a document, computed from page
// counts while processing and from the stored counters once terminal.
func (p *Pipeline) Progress(ctx context.Context, documentID string) (DocumentProgress, error) {
	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return DocumentProgress{}, ErrDocumentNotFound
		}
		return DocumentProgress{}, err
	}

	if doc.Status.Terminal() {
		return DocumentProgress{
			Status:    doc.Status,
			Stage:     doc.Progress.Stage,
			Percent:   doc.Progress.Percent,
			Completed: doc.Progress.CompletedPages,
			Failed:    doc.Progress.FailedPages,
			Total:     doc.PageCount,
		}, nil
	}

	counts, err := p.store.CountPagesByStatus(ctx, documentID)
	if err != nil {
		return DocumentProgress{}, err
	}

	progress := DocumentProgress{
		Status:    doc.Status,
		Stage:     doc.Progress.Stage,
		Completed: counts[store.PageCompleted],
		Failed:    counts[store.PageFailed],
		Total:     doc.PageCount,
	}
	if doc.PageCount > 0 {
		progress.Percent = float64(progress.Completed+progress.Failed) / float64(doc.PageCount) * 100
	}
	return progress, nil
}

// RetryFailedPages resets failed pages to pending and re-enqueues their
// page tasks. A terminal completed/failed document is reopened; a
// cancelled document cannot be retried.
func (p *Pipeline) RetryFailedPages(ctx context.Context, documentID string) (int, error) {
	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrDocumentNotFound
		}
		return 0, err
	}
	if doc.Status == store.DocCancelled {
		return 0, fmt.Errorf("cannot retry cancelled document %s", documentID)
	}

	pageNumbers, err := p.store.ResetFailedPages(ctx, documentID)
	if err != nil {
		return 0, err
	}
	if len(pageNumbers) == 0 {
		return 0, nil
	}

	if doc.Status.Terminal() {
		if _, err := p.store.ReopenDocument(ctx, documentID); err != nil {
			return 0, err
		}
	}

	for _, n := range pageNumbers {
		payload := pagePayload{DocumentID: documentID, PageNumber: n}
		if _, err := p.queue.Enqueue(ctx, TaskExtractPage, payload); err != nil {
			return 0, err
		}
	}

	p.audit.Emit("pages_retried", documentID, 0, fmt.Sprintf("%d pages", len(pageNumbers)))
	p.logger.Info("failed pages re-enqueued", "document_id", documentID, "count", len(pageNumbers))
	return len(pageNumbers), nil
}

// Cancel transitions a document to cancelled. In-flight tasks observe the
// terminal status and abort benignly; the finalizer's guarded transition
// never overwrites it.
func (p *Pipeline) Cancel(ctx context.Context, documentID string) error {
	won, err := p.store.CancelDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if !won {
		doc, err := p.store.GetDocument(ctx, documentID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrDocumentNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, documentID, doc.Status)
	}

	p.audit.Emit("document_cancelled", documentID, 0, "")
	p.logger.Info("document cancelled", "document_id", documentID)
	return nil
}

// analysisFor returns the cached edge-case analysis for a document,
// computing and caching it on first use.
func (p *Pipeline) analysisFor(documentID, srcPath string) Analysis {
	key := "edgecase:" + documentID
	if data, ok := p.cache.Get(key); ok {
		var a Analysis
		if err := json.Unmarshal(data, &a); err == nil {
			return a
		}
	}

	a := AnalyzeFile(srcPath)
	if data, err := json.Marshal(a); err == nil {
		p.cache.Put(key, data, p.cfg.Processing.MaxProcessingTime())
	}
	return a
}
