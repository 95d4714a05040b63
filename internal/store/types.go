// Package store persists Document and Page rows in sqlite.
//
// All mutations are narrow, single-row, field-level updates. Status
// transitions that must happen at most once are expressed as conditional
// updates guarded by the current status; callers learn whether they won
// the transition from the boolean return.
package store

import "time"

// DocumentStatus represents the lifecycle state of a document.
type DocumentStatus string

const (
	DocUploaded      DocumentStatus = "uploaded"
	DocPendingUpload DocumentStatus = "pending_upload"
	DocProcessing    DocumentStatus = "processing"
	DocCompleted     DocumentStatus = "completed"
	DocFailed        DocumentStatus = "failed"
	DocCancelled     DocumentStatus = "cancelled"
)

// Terminal reports whether no further processing-driven transition occurs.
func (s DocumentStatus) Terminal() bool {
	return s == DocCompleted || s == DocFailed || s == DocCancelled
}

// PageStatus represents the lifecycle state of a single page.
type PageStatus string

const (
	PagePending    PageStatus = "pending"
	PageProcessing PageStatus = "processing"
	PageCompleted  PageStatus = "completed"
	PageFailed     PageStatus = "failed"
)

// Terminal reports whether the page has finished processing.
func (s PageStatus) Terminal() bool {
	return s == PageCompleted || s == PageFailed
}

// Progress describes per-stage processing progress for a document.
type Progress struct {
	Stage          string
	Percent        float64
	CompletedPages int
	FailedPages    int
}

// Document is one row per ingested file.
type Document struct {
	ID                    string
	FileHash              string
	OriginalName          string
	PageCount             int
	Status                DocumentStatus
	Progress              Progress
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	ProcessingError       string
	IsSearchable          bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Page is one row per page number of a document, 1..PageCount.
type Page struct {
	DocumentID       string
	PageNumber       int
	Status           PageStatus
	PageFilePath     string
	ThumbnailPath    string
	ExtractionMethod string
	EdgeCases        string // comma-separated detected edge case tags
	ResourceStrategy string
	ProcessingError  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
