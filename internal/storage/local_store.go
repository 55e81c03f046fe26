package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/TheMichaelB/cddsync/internal/events"
)

// ErrNotFound is returned when a path does not exist.
var ErrNotFound = errors.New("file not found")

// LocalStore implements BlobStore on an afero filesystem.
type LocalStore struct {
	fs      afero.Fs
	baseDir string
	logger  *events.Logger

	// Security settings
	allowSymlinks bool
	maxPathLength int
	maxFileSize   int64
}

// NewLocalStore creates a store rooted at baseDir on fs.
func NewLocalStore(fs afero.Fs, baseDir string, logger *events.Logger) (*LocalStore, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	if err := fs.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &LocalStore{
		fs:            fs,
		baseDir:       absPath,
		logger:        logger.WithField("component", "local_store"),
		allowSymlinks: false,
		maxPathLength: 4096,
		maxFileSize:   500 * 1024 * 1024,
	}, nil
}

// NewOsStore creates a store on the real filesystem.
func NewOsStore(baseDir string, logger *events.Logger) (*LocalStore, error) {
	return NewLocalStore(afero.NewOsFs(), baseDir, logger)
}

// NewMemStore creates a store on an in-memory filesystem, for tests and dry
// runs.
func NewMemStore(baseDir string, logger *events.Logger) *LocalStore {
	store, err := NewLocalStore(afero.NewMemMapFs(), baseDir, logger)
	if err != nil {
		// MemMapFs cannot fail to create directories.
		panic(err)
	}
	return store
}

// Root returns the absolute base directory.
func (s *LocalStore) Root() string {
	return s.baseDir
}

// SetMaxFileSize sets the maximum file size limit.
func (s *LocalStore) SetMaxFileSize(size int64) {
	s.maxFileSize = size
}

// Write saves data to a file atomically.
func (s *LocalStore) Write(path string, data []byte, mode os.FileMode) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"path": safePath,
		"size": len(data),
	}).Debug("Writing file")

	if int64(len(data)) > s.maxFileSize {
		return fmt.Errorf("file too large: %d bytes (max: %d)", len(data), s.maxFileSize)
	}

	if err := s.fs.MkdirAll(filepath.Dir(safePath), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", safePath, time.Now().UnixNano())

	if err := afero.WriteFile(s.fs, tempPath, data, mode); err != nil {
		_ = s.fs.Remove(tempPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if file, err := s.fs.Open(tempPath); err == nil {
		_ = file.Sync()
		file.Close()
	}

	if err := s.fs.Rename(tempPath, safePath); err != nil {
		_ = s.fs.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// WriteStream saves data from a reader.
func (s *LocalStore) WriteStream(path string, reader io.Reader, mode os.FileMode) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}

	if err := s.fs.MkdirAll(filepath.Dir(safePath), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", safePath, time.Now().UnixNano())
	tempFile, err := s.fs.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	success := false
	defer func() {
		tempFile.Close()
		if !success {
			_ = s.fs.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	writer := io.MultiWriter(tempFile, hasher)

	limited := &io.LimitedReader{
		R: reader,
		N: s.maxFileSize + 1, // +1 to detect oversized
	}

	written, err := io.Copy(writer, limited)
	if err != nil {
		return fmt.Errorf("write stream: %w", err)
	}

	if limited.N <= 0 {
		return fmt.Errorf("file too large: exceeds %d bytes", s.maxFileSize)
	}

	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("sync file: %w", err)
	}
	tempFile.Close()

	if err := s.fs.Rename(tempPath, safePath); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true

	s.logger.WithFields(map[string]interface{}{
		"path": safePath,
		"size": written,
		"hash": hex.EncodeToString(hasher.Sum(nil)),
	}).Debug("Stream written")

	return nil
}

// Read retrieves file contents.
func (s *LocalStore) Read(path string) ([]byte, error) {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return nil, fmt.Errorf("sanitize path: %w", err)
	}

	if !s.allowSymlinks {
		if info, ok := s.lstat(safePath); ok && info.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("symlinks not allowed: %s", path)
		}
	}

	data, err := afero.ReadFile(s.fs, safePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}

	return data, nil
}

// Exists checks if a path exists.
func (s *LocalStore) Exists(path string) (bool, error) {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return false, fmt.Errorf("sanitize path: %w", err)
	}

	return afero.Exists(s.fs, safePath)
}

// Stat returns file information.
func (s *LocalStore) Stat(path string) (FileInfo, error) {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("sanitize path: %w", err)
	}

	stat, ok := s.lstat(safePath)
	if !ok {
		stat, err = s.fs.Stat(safePath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return FileInfo{}, fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			return FileInfo{}, fmt.Errorf("stat file: %w", err)
		}
	}

	return toFileInfo(safePath, stat), nil
}

// EnsureDir creates a directory if it doesn't exist.
func (s *LocalStore) EnsureDir(path string) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}

	return s.fs.MkdirAll(safePath, 0755)
}

// ReplaceDir removes a directory with its contents and recreates it empty.
func (s *LocalStore) ReplaceDir(path string) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}
	if safePath == s.baseDir {
		return fmt.Errorf("refusing to replace store root")
	}

	if err := s.fs.RemoveAll(safePath); err != nil {
		return fmt.Errorf("clear directory: %w", err)
	}
	return s.fs.MkdirAll(safePath, 0755)
}

// RemoveAll removes a directory tree.
func (s *LocalStore) RemoveAll(path string) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}
	if safePath == s.baseDir {
		return fmt.Errorf("refusing to remove store root")
	}

	s.logger.WithField("path", safePath).Debug("Removing directory tree")

	return s.fs.RemoveAll(safePath)
}

// Walk visits every entry under path. Symlinked directories are not
// followed.
func (s *LocalStore) Walk(path string, fn WalkFunc) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}

	return afero.Walk(s.fs, safePath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return fn(FileInfo{Path: p, Name: filepath.Base(p)}, err)
		}
		return fn(toFileInfo(p, info), nil)
	})
}

// Helper methods

// sanitizePath validates and normalizes a path, returning the absolute path
// inside the base directory.
func (s *LocalStore) sanitizePath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null bytes")
	}

	normalized := filepath.FromSlash(path)

	var fullPath string
	if filepath.IsAbs(normalized) {
		fullPath = filepath.Clean(normalized)
	} else {
		cleaned := filepath.Clean(normalized)
		if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("invalid path: contains '..'")
		}
		fullPath = filepath.Join(s.baseDir, cleaned)
	}

	if fullPath != s.baseDir && !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory")
	}

	if len(fullPath) > s.maxPathLength {
		return "", fmt.Errorf("path too long: %d characters (max: %d)", len(fullPath), s.maxPathLength)
	}

	return fullPath, nil
}

func (s *LocalStore) lstat(path string) (os.FileInfo, bool) {
	lstater, ok := s.fs.(afero.Lstater)
	if !ok {
		return nil, false
	}
	info, _, err := lstater.LstatIfPossible(path)
	if err != nil {
		return nil, false
	}
	return info, true
}

func toFileInfo(path string, stat os.FileInfo) FileInfo {
	return FileInfo{
		Path:      path,
		Name:      stat.Name(),
		Size:      stat.Size(),
		Mode:      stat.Mode(),
		ModTime:   stat.ModTime(),
		IsDir:     stat.IsDir(),
		IsSymlink: stat.Mode()&os.ModeSymlink != 0,
	}
}
