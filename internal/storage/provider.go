// Package storage defines the workspace file-tree abstraction.
//
// The tree is the sole source of truth and is concurrently mutable by the
// user or an external agent; the provider never takes locks on it.
package storage

import "github.com/hollis/atlas/internal/models"

// Provider is the interface for workspace file operations. All paths are
// relative to the workspace root.
type Provider interface {
	// List walks dir and returns stat metadata for every regular file,
	// skipping the archive directory. It never reads file contents.
	List(dir string) ([]models.FileMeta, error)
	// Stat returns metadata for a single file.
	Stat(path string) (models.FileMeta, error)
	// Read returns the raw bytes of a file.
	Read(path string) ([]byte, error)
	// Write atomically replaces the file at path (tmp, fsync, rename).
	Write(path string, content []byte) error
	// Delete removes a file.
	Delete(path string) error
	// Move renames oldPath to newPath, creating parent directories.
	Move(oldPath, newPath string) error
	// Exists reports whether a file is present.
	Exists(path string) bool
	// Root returns the absolute workspace root.
	Root() string
}
