package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a document or page row does not exist.
var ErrNotFound = errors.New("row not found")

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    id                      TEXT PRIMARY KEY,
    file_hash               TEXT NOT NULL,
    original_name           TEXT NOT NULL DEFAULT '',
    page_count              INTEGER NOT NULL DEFAULT 0,
    status                  TEXT NOT NULL DEFAULT 'uploaded',
    stage                   TEXT NOT NULL DEFAULT '',
    percent                 REAL NOT NULL DEFAULT 0,
    completed_pages         INTEGER NOT NULL DEFAULT 0,
    failed_pages            INTEGER NOT NULL DEFAULT 0,
    processing_started_at   DATETIME,
    processing_completed_at DATETIME,
    processing_error        TEXT,
    is_searchable           INTEGER NOT NULL DEFAULT 0,
    created_at              DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at              DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(file_hash);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);

CREATE TABLE IF NOT EXISTS pages (
    document_id       TEXT NOT NULL,
    page_number       INTEGER NOT NULL,
    status            TEXT NOT NULL DEFAULT 'pending',
    page_file_path    TEXT,
    thumbnail_path    TEXT,
    extraction_method TEXT NOT NULL DEFAULT '',
    edge_cases        TEXT NOT NULL DEFAULT '',
    resource_strategy TEXT NOT NULL DEFAULT '',
    processing_error  TEXT,
    created_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (document_id, page_number)
);
CREATE INDEX IF NOT EXISTS idx_pages_status ON pages(document_id, status);
`

// Store provides Document and Page persistence backed by sqlite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite store at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent task completion.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for sibling stores (queue, search)
// sharing the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateDocument inserts a new document row.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, file_hash, original_name, page_count, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.FileHash, doc.OriginalName, doc.PageCount, doc.Status, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	doc.CreatedAt = now
	doc.UpdatedAt = now
	return nil
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, file_hash, original_name, page_count, status, stage, percent,
		        completed_pages, failed_pages, processing_started_at,
		        processing_completed_at, COALESCE(processing_error, ''),
		        is_searchable, created_at, updated_at
		 FROM documents WHERE id = ?`, id,
	)
	return scanDocument(row)
}

// GetDocumentByHash returns the first document with the given content hash.
// Returns ErrNotFound if no such document exists.
func (s *Store) GetDocumentByHash(ctx context.Context, hash string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, file_hash, original_name, page_count, status, stage, percent,
		        completed_pages, failed_pages, processing_started_at,
		        processing_completed_at, COALESCE(processing_error, ''),
		        is_searchable, created_at, updated_at
		 FROM documents WHERE file_hash = ? LIMIT 1`, hash,
	)
	return scanDocument(row)
}

// SetDocumentPageCount records the page count after validation.
func (s *Store) SetDocumentPageCount(ctx context.Context, id string, pageCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET page_count = ?, updated_at = ? WHERE id = ?`,
		pageCount, time.Now().UTC(), id,
	)
	return err
}

// MarkDocumentProcessing atomically transitions a document from an upload
// state to processing. Returns false if the document was not in an upload
// state (someone else already started, or it was cancelled).
func (s *Store) MarkDocumentProcessing(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
		 SET status = ?, stage = 'processing', processing_started_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		DocProcessing, now, now, id, DocUploaded, DocPendingUpload,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// CompleteDocument performs the guarded terminal transition to completed.
// The guard on non-terminal status makes concurrent finalize attempts
// race-free: exactly one caller observes true.
func (s *Store) CompleteDocument(ctx context.Context, id string, successful, failed int) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
		 SET status = ?, is_searchable = 1, stage = 'completed', percent = 100,
		     completed_pages = ?, failed_pages = ?, processing_completed_at = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?)`,
		DocCompleted, successful, failed, now, now,
		id, DocCompleted, DocFailed, DocCancelled,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// FailDocument performs the guarded terminal transition to failed.
func (s *Store) FailDocument(ctx context.Context, id, errMsg string, successful, failed int) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
		 SET status = ?, is_searchable = 0, stage = 'failed',
		     completed_pages = ?, failed_pages = ?, processing_error = ?,
		     processing_completed_at = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?)`,
		DocFailed, successful, failed, errMsg, now, now,
		id, DocCompleted, DocFailed, DocCancelled,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// CancelDocument transitions a document to cancelled unless it already
// reached a terminal state.
func (s *Store) CancelDocument(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
		 SET status = ?, stage = 'cancelled', processing_completed_at = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?)`,
		DocCancelled, now, now, id, DocCompleted, DocFailed, DocCancelled,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// ReopenDocument moves a completed or failed document back to processing
// so retried pages can drive a fresh finalization. Cancelled documents
// stay cancelled.
func (s *Store) ReopenDocument(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
		 SET status = ?, is_searchable = 0, stage = 'processing',
		     processing_error = '', processing_completed_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		DocProcessing, now, id, DocCompleted, DocFailed,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// UpdateDocumentProgress updates the mid-processing progress counters.
func (s *Store) UpdateDocumentProgress(ctx context.Context, id string, p Progress) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET stage = ?, percent = ?, completed_pages = ?, failed_pages = ?, updated_at = ?
		 WHERE id = ?`,
		p.Stage, p.Percent, p.CompletedPages, p.FailedPages, time.Now().UTC(), id,
	)
	return err
}

// CreatePages inserts pageCount pending page rows in one transaction.
// Either all rows become visible or none do.
func (s *Store) CreatePages(ctx context.Context, documentID string, pageCount int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO pages (document_id, page_number, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for n := 1; n <= pageCount; n++ {
		if _, err := stmt.ExecContext(ctx, documentID, n, PagePending, now, now); err != nil {
			return fmt.Errorf("failed to create page %d: %w", n, err)
		}
	}

	return tx.Commit()
}

// GetPage retrieves a single page row.
func (s *Store) GetPage(ctx context.Context, documentID string, pageNumber int) (*Page, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT document_id, page_number, status, COALESCE(page_file_path, ''),
		        COALESCE(thumbnail_path, ''), extraction_method, edge_cases,
		        resource_strategy, COALESCE(processing_error, ''), created_at, updated_at
		 FROM pages WHERE document_id = ? AND page_number = ?`,
		documentID, pageNumber,
	)
	return scanPage(row)
}

// ListPages returns all pages of a document ordered by page number.
func (s *Store) ListPages(ctx context.Context, documentID string) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, page_number, status, COALESCE(page_file_path, ''),
		        COALESCE(thumbnail_path, ''), extraction_method, edge_cases,
		        resource_strategy, COALESCE(processing_error, ''), created_at, updated_at
		 FROM pages WHERE document_id = ? ORDER BY page_number`,
		documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []Page
	for rows.Next() {
		p, err := scanPageRows(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, *p)
	}
	return pages, rows.Err()
}

// ClaimPage transitions a page to processing. A re-delivered task finds
// the page already in processing; that also counts as a successful claim.
// Returns false when the page is already terminal (benign abort for the
// caller).
func (s *Store) ClaimPage(ctx context.Context, documentID string, pageNumber int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pages SET status = ?, updated_at = ?
		 WHERE document_id = ? AND page_number = ? AND status IN (?, ?)`,
		PageProcessing, time.Now().UTC(), documentID, pageNumber, PagePending, PageProcessing,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// SetPageArtifact records the extracted page artifact and its extraction
// context.
func (s *Store) SetPageArtifact(ctx context.Context, documentID string, pageNumber int, path, method string, edgeCases []string, strategy string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pages SET page_file_path = ?, extraction_method = ?, edge_cases = ?, resource_strategy = ?, updated_at = ?
		 WHERE document_id = ? AND page_number = ?`,
		path, method, strings.Join(edgeCases, ","), strategy, time.Now().UTC(),
		documentID, pageNumber,
	)
	return err
}

// SetPageThumbnail records a generated thumbnail path.
func (s *Store) SetPageThumbnail(ctx context.Context, documentID string, pageNumber int, path string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pages SET thumbnail_path = ?, updated_at = ?
		 WHERE document_id = ? AND page_number = ?`,
		path, time.Now().UTC(), documentID, pageNumber,
	)
	return err
}

// CompletePage transitions a processing page to completed. Returns false
// if the page was not in processing (already terminal, or reset).
func (s *Store) CompletePage(ctx context.Context, documentID string, pageNumber int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pages SET status = ?, processing_error = NULL, updated_at = ?
		 WHERE document_id = ? AND page_number = ? AND status = ?`,
		PageCompleted, time.Now().UTC(), documentID, pageNumber, PageProcessing,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// FailPage transitions a non-terminal page to failed, preserving the error
// text. Returns false if the page already completed.
func (s *Store) FailPage(ctx context.Context, documentID string, pageNumber int, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pages SET status = ?, processing_error = ?, updated_at = ?
		 WHERE document_id = ? AND page_number = ? AND status IN (?, ?)`,
		PageFailed, errMsg, time.Now().UTC(), documentID, pageNumber, PagePending, PageProcessing,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// CountPagesByStatus returns page counts per status for a document.
func (s *Store) CountPagesByStatus(ctx context.Context, documentID string) (map[PageStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pages WHERE document_id = ? GROUP BY status`,
		documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[PageStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[PageStatus(status)] = count
	}
	return counts, rows.Err()
}

// ResetFailedPages returns failed pages to pending for an external retry.
// Returns the page numbers that were reset.
func (s *Store) ResetFailedPages(ctx context.Context, documentID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT page_number FROM pages WHERE document_id = ? AND status = ? ORDER BY page_number`,
		documentID, PageFailed,
	)
	if err != nil {
		return nil, err
	}

	var pageNumbers []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, err
		}
		pageNumbers = append(pageNumbers, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(pageNumbers) == 0 {
		return nil, nil
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE pages SET status = ?, processing_error = NULL, updated_at = ?
		 WHERE document_id = ? AND status = ?`,
		PagePending, time.Now().UTC(), documentID, PageFailed,
	)
	if err != nil {
		return nil, err
	}
	return pageNumbers, nil
}

// Scan helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var status string
	var startedAt, completedAt sql.NullTime
	var searchable int

	err := row.Scan(
		&doc.ID, &doc.FileHash, &doc.OriginalName, &doc.PageCount, &status,
		&doc.Progress.Stage, &doc.Progress.Percent,
		&doc.Progress.CompletedPages, &doc.Progress.FailedPages,
		&startedAt, &completedAt, &doc.ProcessingError,
		&searchable, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	doc.Status = DocumentStatus(status)
	doc.IsSearchable = searchable != 0
	if startedAt.Valid {
		doc.ProcessingStartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		doc.ProcessingCompletedAt = &completedAt.Time
	}
	return &doc, nil
}

func scanPage(row rowScanner) (*Page, error) {
	p, err := scanPageRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func scanPageRows(row rowScanner) (*Page, error) {
	var p Page
	var status string
	err := row.Scan(
		&p.DocumentID, &p.PageNumber, &status, &p.PageFilePath,
		&p.ThumbnailPath, &p.ExtractionMethod, &p.EdgeCases,
		&p.ResourceStrategy, &p.ProcessingError, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = PageStatus(status)
	return &p, nil
}

func oneRow(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
