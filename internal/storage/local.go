package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)

// LocalStorage implements Storage on the local disk.
// Temporary files live in tempDir; artifacts live under tempDir/artifacts
// and are addressed with file:// URLs unless a public base URL is set.
type LocalStorage struct {
	tempDir     string
	artifactDir string
	baseURL     string
}

// LocalOption configures a LocalStorage.
type LocalOption func(*LocalStorage)

// WithArtifactDir sets where uploaded artifacts are written.
func WithArtifactDir(dir string) LocalOption {
	return func(s *LocalStorage) {
		s.artifactDir = dir
	}
}

// WithPublicBaseURL sets the URL prefix returned for uploaded artifacts,
// e.g. when the artifact directory is served by a static file server.
func WithPublicBaseURL(url string) LocalOption {
	return func(s *LocalStorage) {
		s.baseURL = strings.TrimRight(url, "/")
	}
}

// NewLocalStorage creates a new LocalStorage instance.
// The tempDir parameter specifies where temporary files are stored.
// If tempDir is empty, os.TempDir() is used.
// The directories are created if they don't exist.
func NewLocalStorage(tempDir string, opts ...LocalOption) (*LocalStorage, error) {
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "videogen")
	}

	s := &LocalStorage{tempDir: tempDir}
	for _, opt := range opts {
		opt(s)
	}
	if s.artifactDir == "" {
		s.artifactDir = filepath.Join(tempDir, "artifacts")
	}

	for _, dir := range []string{s.tempDir, s.artifactDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return s, nil
}

// TempDir returns the temporary directory path.
func (s *LocalStorage) TempDir() string {
	return s.tempDir
}

// SaveTemp saves data to a temporary file and returns the file path.
// The name is used as a base for the filename with a unique suffix.
func (s *LocalStorage) SaveTemp(ctx context.Context, name string, data io.Reader) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	f, err := os.CreateTemp(s.tempDir, name+"_*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	fileName := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(fileName)
		return "", fmt.Errorf("write temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(fileName)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	return fileName, nil
}

// LoadTemp reads a temporary file and returns a reader.
// The caller is responsible for closing the returned ReadCloser.
func (s *LocalStorage) LoadTemp(ctx context.Context, path string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	f, err := os.Open(path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return nil, fmt.Errorf("open temp file: %w", err)
	}

	return f, nil
}

// CleanupTemp removes the specified temporary files.
// It continues cleanup even if some files fail to delete,
// returning the first error encountered.
func (s *LocalStorage) CleanupTemp(ctx context.Context, paths []string) error {
	var firstErr error
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove temp file %s: %w", p, err)
			}
		}
	}
	return firstErr
}

// Upload writes data to the artifact directory and returns its URL.
func (s *LocalStorage) Upload(ctx context.Context, key string, data io.Reader, _ Metadata) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(s.artifactDir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}

	// Write to a sibling temp file first so a failed copy never leaves a partial artifact.
	f, err := os.CreateTemp(filepath.Dir(dest), ".upload_*")
	if err != nil {
		return "", fmt.Errorf("create artifact file: %w", err)
	}
	tmpName := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("move artifact: %w", err)
	}

	return s.urlFor(clean, dest), nil
}

// Delete removes an artifact previously returned by Upload.
func (s *LocalStorage) Delete(ctx context.Context, url string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	dest, ok := s.pathFor(url)
	if !ok {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, url)
	}
	if err := os.Remove(dest); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

func (s *LocalStorage) urlFor(key, dest string) string {
	if s.baseURL != "" {
		return s.baseURL + "/" + key
	}
	return "file://" + filepath.ToSlash(dest)
}

func (s *LocalStorage) pathFor(url string) (string, bool) {
	var key string
	switch {
	case s.baseURL != "" && strings.HasPrefix(url, s.baseURL+"/"):
		key = strings.TrimPrefix(url, s.baseURL+"/")
	case strings.HasPrefix(url, "file://"):
		p := filepath.FromSlash(strings.TrimPrefix(url, "file://"))
		rel, err := filepath.Rel(s.artifactDir, p)
		if err != nil {
			return "", false
		}
		key = filepath.ToSlash(rel)
	default:
		return "", false
	}

	clean, err := cleanKey(key)
	if err != nil {
		return "", false
	}
	return filepath.Join(s.artifactDir, filepath.FromSlash(clean)), true
}

// cleanKey normalizes an object key and rejects keys escaping the root.
func cleanKey(key string) (string, error) {
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean == "." || strings.HasPrefix(key, "..") || strings.Contains(key, "/../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}
