// Package blob provides the artifact store used for page files and
// thumbnails.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store is the narrow artifact-store port. Keys are slash-separated
// relative paths.
type Store interface {
	Put(key string, data []byte) error
	// PutFile stores an existing file's contents at key.
	PutFile(key, srcPath string) error
	Get(key string) ([]byte, error)
	Exists(key string) bool
	Delete(key string) error
	// Path returns an absolute filesystem path for the key, for
	// collaborators that operate on files directly.
	Path(key string) string
}

// FSStore implements Store on the local filesystem under a root directory.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem store rooted at root.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Path returns the absolute path for a key.
func (s *FSStore) Path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes data to the key, creating parent directories as needed.
// Keys that would escape the store root are rejected.
func (s *FSStore) Put(key string, data []byte) error {
	key, err := Clean(key)
	if err != nil {
		return err
	}
	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	return nil
}

// Get reads the data stored at key.
func (s *FSStore) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether the key holds data.
func (s *FSStore) Exists(key string) bool {
	_, err := os.Stat(s.Path(key))
	return err == nil
}

// Delete removes the key. Deleting a missing key is not an error.
func (s *FSStore) Delete(key string) error {
	err := os.Remove(s.Path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}

// PutFile copies an existing file into the store at key.
func (s *FSStore) PutFile(key, srcPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}
	return s.Put(key, data)
}

// Clean validates that a key stays inside the store root.
func Clean(key string) (string, error) {
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if strings.HasPrefix(cleaned, "../") || cleaned == ".." || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid blob key: %s", key)
	}
	return cleaned, nil
}
