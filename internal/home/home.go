package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the docmill home directory.
	DefaultDirName = ".docmill"

	// BlobsDirName is the subdirectory for stored artifacts.
	BlobsDirName = "blobs"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// DBFileName is the sqlite database file name.
	DBFileName = "docmill.db"
)

// Dir represents the docmill home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.docmill).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// BlobsPath returns the root directory for the filesystem blob store.
func (d *Dir) BlobsPath() string {
	return filepath.Join(d.path, BlobsDirName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// DBPath returns the path to the sqlite database.
func (d *Dir) DBPath() string {
	return filepath.Join(d.path, DBFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	if err := os.MkdirAll(d.BlobsPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create blobs directory: %w", err)
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// OriginalPath returns the blob key for a document's original file.
func OriginalPath(documentID string) string {
	return filepath.Join("documents", documentID, "original.pdf")
}

// PagePath returns the blob key for an extracted page artifact.
// Page numbers are 1-indexed.
func PagePath(documentID string, pageNum int) string {
	return filepath.Join("documents", documentID, "pages", fmt.Sprintf("page_%04d.pdf", pageNum))
}

// ThumbnailPath returns the blob key for a page thumbnail.
func ThumbnailPath(documentID string, pageNum int) string {
	return filepath.Join("documents", documentID, "thumbnails", fmt.Sprintf("page_%04d.png", pageNum))
}
