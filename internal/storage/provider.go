// Package storage defines the workspace file-system abstraction.
package storage

import "time"

// NotebookExt is the file extension notebooks are stored under.
const NotebookExt = ".ipynb"

// FileInfo is metadata for one workspace notebook file.
type FileInfo struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Provider is the interface for workspace file operations.
type Provider interface {
	// List returns metadata for every notebook file under dir (relative to
	// the workspace root).
	List(dir string) ([]FileInfo, error)
	// Read returns the raw bytes of the file at path (relative to the
	// workspace root).
	Read(path string) ([]byte, error)
	// Write atomically writes content to path (relative to the workspace
	// root).
	Write(path string, content []byte) error
	// Delete removes the file at path (relative to the workspace root).
	Delete(path string) error
	// Move renames oldPath to newPath (both relative to the workspace root).
	Move(oldPath, newPath string) error
}
