package storage

import (
	"io"
	"os"
	"path/filepath"
	"time"
)

// BlobStore manages the local mirror tree. Paths may be relative to the
// store root or absolute paths inside it.
type BlobStore interface {
	// Root returns the absolute base directory.
	Root() string

	// Write saves data to a file path atomically.
	Write(path string, data []byte, mode os.FileMode) error

	// WriteStream saves data from a reader atomically.
	WriteStream(path string, reader io.Reader, mode os.FileMode) error

	// Read retrieves file contents.
	Read(path string) ([]byte, error)

	// Exists checks if a file or directory exists.
	Exists(path string) (bool, error)

	// Stat returns file information.
	Stat(path string) (FileInfo, error)

	// EnsureDir creates a directory if it doesn't exist.
	EnsureDir(path string) error

	// ReplaceDir removes a directory with its contents and recreates it empty.
	ReplaceDir(path string) error

	// RemoveAll removes a directory tree. The root itself cannot be removed.
	RemoveAll(path string) error

	// Walk visits every entry under path, depth first, in lexical order.
	Walk(path string, fn WalkFunc) error
}

// WalkFunc is called for each entry visited by Walk. Returning
// filepath.SkipDir from a directory skips its contents.
type WalkFunc func(info FileInfo, err error) error

// SkipDir is re-exported so callers need not import path/filepath.
var SkipDir = filepath.SkipDir

// FileInfo contains file metadata. Path is absolute.
type FileInfo struct {
	Path      string
	Name      string
	Size      int64
	Mode      os.FileMode
	ModTime   time.Time
	IsDir     bool
	IsSymlink bool
}
