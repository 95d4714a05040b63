package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ahalverson/docmill/internal/blob"
	"github.com/ahalverson/docmill/internal/cache"
	"github.com/ahalverson/docmill/internal/queue"
	"github.com/ahalverson/docmill/internal/search"
	"github.com/ahalverson/docmill/internal/store"
)

// fakeExtractor simulates page extraction without a real PDF toolchain.
type fakeExtractor struct {
	mu sync.Mutex

	pageCount   int
	validateErr error
	thumbErr    error

	// pageErrs fails every extraction of the given page.
	pageErrs map[int]error
	// transientFailures fails the first N extractions of the given page,
	// then succeeds.
	transientFailures map[int]int
	transientErr      error

	extractedStrategies map[int]string
}

func (f *fakeExtractor) Validate(string) error { return f.validateErr }

func (f *fakeExtractor) PageCount(string) (int, error) { return f.pageCount, nil }

func (f *fakeExtractor) ExtractPage(_ context.Context, _ string, pageNum int, strategy, destPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.pageErrs[pageNum]; ok {
		return err
	}
	if f.transientFailures[pageNum] > 0 {
		f.transientFailures[pageNum]--
		return f.transientErr
	}
	if f.extractedStrategies == nil {
		f.extractedStrategies = make(map[int]string)
	}
	f.extractedStrategies[pageNum] = strategy
	return os.WriteFile(destPath, []byte(fmt.Sprintf("%%PDF page %d", pageNum)), 0o644)
}

func (f *fakeExtractor) Thumbnail(_ context.Context, _ string, pageNum int, destPath string) error {
	if f.thumbErr != nil {
		return f.thumbErr
	}
	return os.WriteFile(destPath, []byte(fmt.Sprintf("png %d", pageNum)), 0o644)
}

// fakeTexts simulates text extraction from page artifacts.
type fakeTexts struct {
	mu    sync.Mutex
	err   error
	empty bool
	calls int
}

func (f *fakeTexts) ExtractText(_ context.Context, pagePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.empty {
		return "", nil
	}
	return "searchable words from " + filepath.Base(pagePath), nil
}

type harness struct {
	st    *store.Store
	blobs blob.Store
	cache *cache.Memory
	index *search.SQLIndexer
	queue *queue.Queue
	pl    *Pipeline
}

func newHarness(t *testing.T, ext *fakeExtractor, texts *fakeTexts) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "docmill.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	blobs, err := blob.NewFSStore(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}

	index, err := search.NewSQLIndexer(st.DB())
	if err != nil {
		t.Fatalf("failed to create indexer: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q, err := queue.New(st.DB(), queue.Options{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		LockDuration: time.Minute,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}

	mem := cache.NewMemory()
	pl, err := New(Deps{
		Store:     st,
		Blobs:     blobs,
		Cache:     mem,
		Index:     index,
		Queue:     q,
		Extractor: ext,
		Texts:     texts,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}

	return &harness{st: st, blobs: blobs, cache: mem, index: index, queue: q, pl: pl}
}

func (h *harness) ingest(t *testing.T, content string) *store.Document {
	t.Helper()
	src := filepath.Join(t.TempDir(), "input.pdf")
	if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := h.pl.Ingest(context.Background(), src)
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	return doc
}

func (h *harness) process(t *testing.T, documentID string) {
	t.Helper()
	ctx := context.Background()
	if err := h.pl.ProcessDocument(ctx, documentID); err != nil {
		t.Fatalf("ProcessDocument failed: %v", err)
	}
	if err := h.queue.Drain(ctx); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
}

// forceDue makes retried tasks immediately claimable so tests can drain
// through retry waits without sleeping.
func (h *harness) forceDue(t *testing.T) {
	t.Helper()
	_, err := h.st.DB().Exec(`UPDATE tasks SET run_at = ? WHERE status = 'pending'`,
		time.Now().UTC().Add(-time.Second))
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) document(t *testing.T, id string) *store.Document {
	t.Helper()
	doc, err := h.st.GetDocument(context.Background(), id)
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	return doc
}

func TestProcessDocumentHappyPath(t *testing.T) {
	ext := &fakeExtractor{pageCount: 3}
	texts := &fakeTexts{}
	h := newHarness(t, ext, texts)
	ctx := context.Background()

	doc := h.ingest(t, "%PDF-1.7 three page fixture")
	h.process(t, doc.ID)

	got := h.document(t, doc.ID)
	if got.Status != store.DocCompleted {
		t.Fatalf("status = %s, want completed (error %q)", got.Status, got.ProcessingError)
	}
	if !got.IsSearchable {
		t.Error("completed document should be searchable")
	}
	if got.Progress.Percent != 100 {
		t.Errorf("percent = %v, want 100", got.Progress.Percent)
	}
	if got.Progress.CompletedPages != 3 || got.Progress.FailedPages != 0 {
		t.Errorf("progress = %d completed / %d failed", got.Progress.CompletedPages, got.Progress.FailedPages)
	}

	pages, err := h.st.ListPages(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 3 {
		t.Fatalf("got %d pages, want 3", len(pages))
	}
	for _, pg := range pages {
		if pg.Status != store.PageCompleted {
			t.Errorf("page %d status = %s", pg.PageNumber, pg.Status)
		}
		if !h.blobs.Exists(pg.PageFilePath) {
			t.Errorf("page %d artifact missing at %s", pg.PageNumber, pg.PageFilePath)
		}
		if pg.ThumbnailPath == "" || !h.blobs.Exists(pg.ThumbnailPath) {
			t.Errorf("page %d thumbnail missing", pg.PageNumber)
		}
		if pg.ResourceStrategy != StrategyStandard {
			t.Errorf("page %d strategy = %q", pg.PageNumber, pg.ResourceStrategy)
		}
	}

	hits, err := h.index.Search(ctx, "searchable words", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 3 {
		t.Errorf("got %d search hits, want 3", len(hits))
	}

	if _, ok := h.cache.Get(documentCacheKey(doc.ID)); !ok {
		t.Error("expected warmed document summary in cache")
	}
	if _, ok := h.cache.Get(pageTextCacheKey(doc.ID, 1)); !ok {
		t.Error("expected warmed page text in cache")
	}

	counts, err := h.queue.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[queue.TaskFailed] != 0 || counts[queue.TaskPending] != 0 {
		t.Errorf("queue counts = %v", counts)
	}
}

func TestProcessDocumentValidationFailure(t *testing.T) {
	ext := &fakeExtractor{pageCount: 3, validateErr: errors.New("malformed xref table")}
	h := newHarness(t, ext, &fakeTexts{})

	doc := h.ingest(t, "not a pdf")
	if err := h.pl.ProcessDocument(context.Background(), doc.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.queue.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := h.document(t, doc.ID)
	if got.Status != store.DocFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ProcessingError, "document validation failed") {
		t.Errorf("error = %q", got.ProcessingError)
	}

	pages, err := h.st.ListPages(context.Background(), doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 0 {
		t.Errorf("validation failure should not fan out, got %d pages", len(pages))
	}
}

func TestMixedPageOutcomesStillComplete(t *testing.T) {
	ext := &fakeExtractor{
		pageCount: 3,
		pageErrs:  map[int]error{2: errors.New("invalid page object")},
	}
	h := newHarness(t, ext, &fakeTexts{})

	doc := h.ingest(t, "%PDF-1.7 mixed outcome fixture")
	h.process(t, doc.ID)

	got := h.document(t, doc.ID)
	if got.Status != store.DocCompleted {
		t.Fatalf("status = %s, want completed with partial failures", got.Status)
	}
	if got.Progress.CompletedPages != 2 || got.Progress.FailedPages != 1 {
		t.Errorf("progress = %d/%d, want 2/1", got.Progress.CompletedPages, got.Progress.FailedPages)
	}

	pg, err := h.st.GetPage(context.Background(), doc.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if pg.Status != store.PageFailed {
		t.Errorf("page 2 status = %s", pg.Status)
	}
	if !strings.Contains(pg.ProcessingError, "invalid page object") {
		t.Errorf("page 2 error = %q", pg.ProcessingError)
	}
}

func TestAllPagesFailedFailsDocument(t *testing.T) {
	ext := &fakeExtractor{
		pageCount: 2,
		pageErrs: map[int]error{
			1: errors.New("corrupt page stream"),
			2: errors.New("corrupt page stream"),
		},
	}
	h := newHarness(t, ext, &fakeTexts{})

	doc := h.ingest(t, "%PDF-1.7 fully broken fixture")
	h.process(t, doc.ID)

	got := h.document(t, doc.ID)
	if got.Status != store.DocFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ProcessingError != allPagesFailedError {
		t.Errorf("error = %q, want %q", got.ProcessingError, allPagesFailedError)
	}
	if got.IsSearchable {
		t.Error("failed document must not be searchable")
	}
}

func TestRetryableFailureEventuallySucceeds(t *testing.T) {
	ext := &fakeExtractor{
		pageCount:         1,
		transientFailures: map[int]int{1: 2},
		transientErr:      errors.New("connection timeout"),
	}
	h := newHarness(t, ext, &fakeTexts{})
	ctx := context.Background()

	doc := h.ingest(t, "%PDF-1.7 flaky fixture")
	if err := h.pl.ProcessDocument(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}

	// Each drain runs one delivery attempt; the classifier schedules the
	// retries with a future run_at that forceDue collapses.
	for i := 0; i < 3; i++ {
		if err := h.queue.Drain(ctx); err != nil {
			t.Fatal(err)
		}
		h.forceDue(t)
	}

	got := h.document(t, doc.ID)
	if got.Status != store.DocCompleted {
		t.Fatalf("status = %s, want completed after retries (error %q)", got.Status, got.ProcessingError)
	}
}

func TestRetryExhaustionFailsPage(t *testing.T) {
	ext := &fakeExtractor{
		pageCount:         1,
		transientFailures: map[int]int{1: 10},
		transientErr:      errors.New("connection timeout"),
	}
	h := newHarness(t, ext, &fakeTexts{})
	ctx := context.Background()

	doc := h.ingest(t, "%PDF-1.7 permanently flaky fixture")
	if err := h.pl.ProcessDocument(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := h.queue.Drain(ctx); err != nil {
			t.Fatal(err)
		}
		h.forceDue(t)
	}

	got := h.document(t, doc.ID)
	if got.Status != store.DocFailed {
		t.Fatalf("status = %s, want failed after retry exhaustion", got.Status)
	}

	pg, err := h.st.GetPage(ctx, doc.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if pg.Status != store.PageFailed {
		t.Errorf("page status = %s", pg.Status)
	}
	if !strings.Contains(pg.ProcessingError, "connection timeout") {
		t.Errorf("page error = %q", pg.ProcessingError)
	}
}

func TestPermanentErrorSkipsRetry(t *testing.T) {
	ext := &fakeExtractor{
		pageCount: 1,
		pageErrs:  map[int]error{1: errors.New("permission denied")},
	}
	h := newHarness(t, ext, &fakeTexts{})
	ctx := context.Background()

	doc := h.ingest(t, "%PDF-1.7 forbidden fixture")
	h.process(t, doc.ID)

	// A permanent classification settles on the first delivery; nothing
	// stays pending waiting on a retry.
	counts, err := h.queue.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[queue.TaskPending] != 0 {
		t.Errorf("pending tasks = %d, want 0", counts[queue.TaskPending])
	}
	if got := h.document(t, doc.ID); got.Status != store.DocFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestThumbnailFailureIsNonFatal(t *testing.T) {
	ext := &fakeExtractor{pageCount: 1, thumbErr: errors.New("renderer crashed")}
	h := newHarness(t, ext, &fakeTexts{})

	doc := h.ingest(t, "%PDF-1.7 thumbnail-hostile fixture")
	h.process(t, doc.ID)

	got := h.document(t, doc.ID)
	if got.Status != store.DocCompleted {
		t.Fatalf("status = %s, want completed despite thumbnail failure", got.Status)
	}
	pg, err := h.st.GetPage(context.Background(), doc.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if pg.ThumbnailPath != "" {
		t.Errorf("thumbnail path = %q, want empty", pg.ThumbnailPath)
	}
}

func TestEmptyTextStillCompletesPage(t *testing.T) {
	ext := &fakeExtractor{pageCount: 1}
	h := newHarness(t, ext, &fakeTexts{empty: true})
	ctx := context.Background()

	doc := h.ingest(t, "%PDF-1.7 image-only fixture")
	h.process(t, doc.ID)

	if got := h.document(t, doc.ID); got.Status != store.DocCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	hits, err := h.index.Search(ctx, "anything", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("empty text should not be indexed, got %d hits", len(hits))
	}
}

func TestMissingArtifactFailsTextTask(t *testing.T) {
	h := newHarness(t, &fakeExtractor{pageCount: 1}, &fakeTexts{})
	ctx := context.Background()

	doc := &store.Document{ID: "doc-missing-artifact", FileHash: "h1", OriginalName: "x.pdf", Status: store.DocUploaded}
	if err := h.st.CreateDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := h.st.SetDocumentPageCount(ctx, doc.ID, 1); err != nil {
		t.Fatal(err)
	}
	if err := h.st.CreatePages(ctx, doc.ID, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := h.st.MarkDocumentProcessing(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}

	// Text task delivered for a page that never produced an artifact.
	if _, err := h.queue.Enqueue(ctx, TaskExtractText, pagePayload{DocumentID: doc.ID, PageNumber: 1}); err != nil {
		t.Fatal(err)
	}
	if err := h.queue.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	pg, err := h.st.GetPage(ctx, doc.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if pg.Status != store.PageFailed {
		t.Fatalf("page status = %s, want failed", pg.Status)
	}
	if !strings.Contains(pg.ProcessingError, "page artifact missing") {
		t.Errorf("page error = %q", pg.ProcessingError)
	}
	if got := h.document(t, doc.ID); got.Status != store.DocFailed {
		t.Errorf("document status = %s, want failed", got.Status)
	}
}

func TestCancelBeforeFanOut(t *testing.T) {
	ext := &fakeExtractor{pageCount: 3}
	h := newHarness(t, ext, &fakeTexts{})
	ctx := context.Background()

	doc := h.ingest(t, "%PDF-1.7 cancel fixture")
	if err := h.pl.ProcessDocument(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.pl.Cancel(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.queue.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	got := h.document(t, doc.ID)
	if got.Status != store.DocCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	pages, err := h.st.ListPages(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 0 {
		t.Errorf("cancelled document fanned out %d pages", len(pages))
	}
}

func TestCancelIsNeverOverwrittenByFinalizer(t *testing.T) {
	ext := &fakeExtractor{pageCount: 2}
	h := newHarness(t, ext, &fakeTexts{})
	ctx := context.Background()

	doc := &store.Document{ID: "doc-cancel-race", FileHash: "h2", OriginalName: "y.pdf", Status: store.DocUploaded}
	if err := h.st.CreateDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := h.st.SetDocumentPageCount(ctx, doc.ID, 2); err != nil {
		t.Fatal(err)
	}
	if err := h.st.CreatePages(ctx, doc.ID, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := h.st.MarkDocumentProcessing(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	for n := 1; n <= 2; n++ {
		if _, err := h.st.ClaimPage(ctx, doc.ID, n); err != nil {
			t.Fatal(err)
		}
		if _, err := h.st.CompletePage(ctx, doc.ID, n); err != nil {
			t.Fatal(err)
		}
	}

	// Cancel lands first; a late finalizer sees all pages terminal but
	// must not flip the document to completed.
	if err := h.pl.Cancel(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.pl.finalize(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}

	if got := h.document(t, doc.ID); got.Status != store.DocCancelled {
		t.Fatalf("status = %s, cancellation was overwritten", got.Status)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ext := &fakeExtractor{pageCount: 2}
	h := newHarness(t, ext, &fakeTexts{})
	ctx := context.Background()

	doc := h.ingest(t, "%PDF-1.7 idempotent fixture")
	h.process(t, doc.ID)

	if got := h.document(t, doc.ID); got.Status != store.DocCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	// Redelivered completions re-run finalize; the lost guarded update
	// must not emit a second completion event.
	before := h.pl.audit.Pending()
	for i := 0; i < 3; i++ {
		if err := h.pl.finalize(ctx, doc.ID); err != nil {
			t.Fatal(err)
		}
	}
	if after := h.pl.audit.Pending(); after != before {
		t.Errorf("repeat finalize emitted %d extra audit events", after-before)
	}
}

func TestRetryFailedPages(t *testing.T) {
	ext := &fakeExtractor{
		pageCount: 3,
		pageErrs:  map[int]error{2: errors.New("invalid page object")},
	}
	h := newHarness(t, ext, &fakeTexts{})
	ctx := context.Background()

	doc := h.ingest(t, "%PDF-1.7 retry-pages fixture")
	h.process(t, doc.ID)

	if got := h.document(t, doc.ID); got.Status != store.DocCompleted || got.Progress.FailedPages != 1 {
		t.Fatalf("precondition: status=%s failed=%d", got.Status, got.Progress.FailedPages)
	}

	// Operator fixes the input condition, then retries.
	ext.mu.Lock()
	delete(ext.pageErrs, 2)
	ext.mu.Unlock()

	n, err := h.pl.RetryFailedPages(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reset %d pages, want 1", n)
	}
	if got := h.document(t, doc.ID); got.Status != store.DocProcessing {
		t.Fatalf("status = %s, want reopened to processing", got.Status)
	}

	if err := h.queue.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	got := h.document(t, doc.ID)
	if got.Status != store.DocCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Progress.CompletedPages != 3 || got.Progress.FailedPages != 0 {
		t.Errorf("progress = %d/%d, want 3/0", got.Progress.CompletedPages, got.Progress.FailedPages)
	}
}

func TestRetryFailedPagesRejectsCancelled(t *testing.T) {
	h := newHarness(t, &fakeExtractor{pageCount: 1}, &fakeTexts{})
	ctx := context.Background()

	doc := h.ingest(t, "%PDF-1.7 cancelled-retry fixture")
	if err := h.pl.Cancel(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.pl.RetryFailedPages(ctx, doc.ID); err == nil {
		t.Fatal("expected error retrying a cancelled document")
	}
}

func TestRetryFailedPagesNoFailedPages(t *testing.T) {
	h := newHarness(t, &fakeExtractor{pageCount: 1}, &fakeTexts{})

	doc := h.ingest(t, "%PDF-1.7 clean fixture")
	h.process(t, doc.ID)

	n, err := h.pl.RetryFailedPages(context.Background(), doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("reset %d pages, want 0", n)
	}
	// No failed pages means the document stays terminal.
	if got := h.document(t, doc.ID); got.Status != store.DocCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestProgressReporting(t *testing.T) {
	ext := &fakeExtractor{
		pageCount: 4,
		pageErrs:  map[int]error{3: errors.New("invalid page object")},
	}
	h := newHarness(t, ext, &fakeTexts{})
	ctx := context.Background()

	doc := h.ingest(t, "%PDF-1.7 progress fixture")
	h.process(t, doc.ID)

	p, err := h.pl.Progress(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != store.DocCompleted {
		t.Errorf("status = %s", p.Status)
	}
	if p.Percent != 100 {
		t.Errorf("percent = %v, want 100", p.Percent)
	}
	if p.Completed != 3 || p.Failed != 1 || p.Total != 4 {
		t.Errorf("progress = %d/%d of %d", p.Completed, p.Failed, p.Total)
	}

	if _, err := h.pl.Progress(ctx, "no-such-document"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("err = %v, want ErrDocumentNotFound", err)
	}
}

func TestIngestDeduplicatesByHash(t *testing.T) {
	h := newHarness(t, &fakeExtractor{pageCount: 1}, &fakeTexts{})
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "dup.pdf")
	if err := os.WriteFile(src, []byte("%PDF-1.7 identical bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	first, err := h.pl.Ingest(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.pl.Ingest(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("duplicate content produced two documents: %s, %s", first.ID, second.ID)
	}
}

func TestProcessDocumentUnknownDocument(t *testing.T) {
	h := newHarness(t, &fakeExtractor{pageCount: 1}, &fakeTexts{})

	if err := h.pl.ProcessDocument(context.Background(), "no-such-id"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("err = %v, want ErrDocumentNotFound", err)
	}
	if err := h.pl.Cancel(context.Background(), "no-such-id"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("cancel err = %v, want ErrDocumentNotFound", err)
	}
}

func TestDoubleProcessDocumentIsSafe(t *testing.T) {
	ext := &fakeExtractor{pageCount: 2}
	h := newHarness(t, ext, &fakeTexts{})
	ctx := context.Background()

	doc := h.ingest(t, "%PDF-1.7 double-enqueue fixture")
	if err := h.pl.ProcessDocument(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.pl.ProcessDocument(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.queue.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	got := h.document(t, doc.ID)
	if got.Status != store.DocCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	pages, err := h.st.ListPages(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 {
		t.Errorf("duplicate processing created %d pages, want 2", len(pages))
	}
}

func TestRetryWindowLapseFailsPage(t *testing.T) {
	ext := &fakeExtractor{
		pageCount:         1,
		transientFailures: map[int]int{1: 10},
		transientErr:      errors.New("connection timeout"),
	}
	h := newHarness(t, ext, &fakeTexts{})
	ctx := context.Background()

	doc := h.ingest(t, "%PDF-1.7 lapsed-window fixture")
	h.process(t, doc.ID)

	// First delivery failed retryably; the task is pending with a future
	// run_at and the page is still processing.
	if got := h.document(t, doc.ID); got.Status != store.DocProcessing {
		t.Fatalf("precondition: status = %s, want processing", got.Status)
	}

	// Age the task past its retry window and make it due again.
	past := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := h.st.DB().Exec(
		`UPDATE tasks SET created_at = ?, run_at = ? WHERE status = 'pending'`,
		past, past); err != nil {
		t.Fatal(err)
	}
	if err := h.queue.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	pg, err := h.st.GetPage(ctx, doc.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if pg.Status != store.PageFailed {
		t.Fatalf("page status = %s, want failed after window lapse", pg.Status)
	}
	if !strings.Contains(pg.ProcessingError, "connection timeout") {
		t.Errorf("page error = %q", pg.ProcessingError)
	}

	got := h.document(t, doc.ID)
	if got.Status != store.DocFailed {
		t.Errorf("document status = %s, want failed", got.Status)
	}
	if got.ProcessingError != allPagesFailedError {
		t.Errorf("document error = %q", got.ProcessingError)
	}
}

func TestTextTaskStorageFailureFailsPage(t *testing.T) {
	h := newHarness(t, &fakeExtractor{pageCount: 1}, &fakeTexts{})
	ctx := context.Background()

	doc := &store.Document{ID: "doc-store-err", FileHash: "h2", OriginalName: "y.pdf", Status: store.DocUploaded}
	if err := h.st.CreateDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := h.st.SetDocumentPageCount(ctx, doc.ID, 1); err != nil {
		t.Fatal(err)
	}
	if err := h.st.CreatePages(ctx, doc.ID, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := h.st.MarkDocumentProcessing(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.st.ClaimPage(ctx, doc.ID, 1); err != nil {
		t.Fatal(err)
	}

	if _, err := h.queue.Enqueue(ctx, TaskExtractText, pagePayload{DocumentID: doc.ID, PageNumber: 1}); err != nil {
		t.Fatal(err)
	}

	// Break document reads before delivery; the page must still reach a
	// terminal state instead of staying processing.
	if _, err := h.st.DB().Exec(`ALTER TABLE documents RENAME TO documents_broken`); err != nil {
		t.Fatal(err)
	}
	if err := h.queue.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	pg, err := h.st.GetPage(ctx, doc.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if pg.Status != store.PageFailed {
		t.Fatalf("page status = %s, want failed", pg.Status)
	}
	if pg.ProcessingError == "" {
		t.Error("page should record the storage error")
	}
}

func TestConcurrentFinalizeCompletesOnce(t *testing.T) {
	h := newHarness(t, &fakeExtractor{pageCount: 3}, &fakeTexts{})
	ctx := context.Background()

	doc := &store.Document{ID: "doc-race", FileHash: "h3", OriginalName: "z.pdf", Status: store.DocUploaded}
	if err := h.st.CreateDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := h.st.SetDocumentPageCount(ctx, doc.ID, 3); err != nil {
		t.Fatal(err)
	}
	if err := h.st.CreatePages(ctx, doc.ID, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := h.st.MarkDocumentProcessing(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	for n := 1; n <= 3; n++ {
		if _, err := h.st.ClaimPage(ctx, doc.ID, n); err != nil {
			t.Fatal(err)
		}
		if _, err := h.st.CompletePage(ctx, doc.ID, n); err != nil {
			t.Fatal(err)
		}
	}

	// Every page-terminal call site invokes finalize, so the last page to
	// settle can race any number of redeliveries. All of them observing
	// all pages terminal at once must still produce one transition.
	before := h.pl.audit.Pending()
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.pl.finalize(ctx, doc.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("finalize error = %v", err)
		}
	}

	got := h.document(t, doc.ID)
	if got.Status != store.DocCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Progress.CompletedPages != 3 || got.Progress.FailedPages != 0 {
		t.Errorf("progress = %d/%d", got.Progress.CompletedPages, got.Progress.FailedPages)
	}
	if extra := h.pl.audit.Pending() - before; extra != 1 {
		t.Errorf("concurrent finalize emitted %d completion events, want 1", extra)
	}
	if _, ok := h.cache.Get(documentCacheKey(doc.ID)); !ok {
		t.Error("winner should warm the document cache")
	}
}
