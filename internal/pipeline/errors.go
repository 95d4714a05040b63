package pipeline

import "errors"

// Sentinel errors for the processing pipeline.
var (
	// ErrValidation marks a malformed input document. Never retried.
	ErrValidation = errors.New("document validation failed")

	// ErrMissingArtifact marks a text task whose page artifact was never
	// written. Never retried.
	ErrMissingArtifact = errors.New("page artifact missing")

	// ErrDocumentNotFound is returned by produced operations for unknown
	// document identifiers.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrNotCancellable is returned when cancel is requested for a
	// document that already reached a terminal status.
	ErrNotCancellable = errors.New("document already terminal")
)
