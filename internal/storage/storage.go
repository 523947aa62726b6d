// Package storage provides temporary spooling and durable artifact storage.
// It defines the TempStore and ArtifactStore interfaces (ports) and
// implementations for local disk and S3.
package storage

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrArtifactNotFound is returned when deleting a URL the store does not own.
	ErrArtifactNotFound = errors.New("storage: artifact not found")
	// ErrInvalidKey is returned for empty or escaping object keys.
	ErrInvalidKey = errors.New("storage: invalid key")
	// ErrBucketRequired is returned when S3 storage is configured without a bucket.
	ErrBucketRequired = errors.New("storage: S3 bucket is required")
)

// Metadata describes an uploaded artifact.
type Metadata struct {
	ContentType string
	JobID       string
	UserID      string
}

// TempStore handles scratch files used while an artifact is in flight.
type TempStore interface {
	// SaveTemp saves data to a temporary file and returns the file path.
	// The name parameter is used as a hint for the filename.
	SaveTemp(ctx context.Context, name string, data io.Reader) (path string, err error)

	// LoadTemp reads a temporary file and returns a reader.
	// The caller is responsible for closing the returned ReadCloser.
	LoadTemp(ctx context.Context, path string) (io.ReadCloser, error)

	// CleanupTemp removes the specified temporary files.
	// It continues cleanup even if some files fail to delete.
	CleanupTemp(ctx context.Context, paths []string) error
}

// ArtifactStore persists finished artifacts and hands out their URLs.
type ArtifactStore interface {
	// Upload stores data under key and returns its URL.
	Upload(ctx context.Context, key string, data io.Reader, meta Metadata) (url string, err error)

	// Delete removes the artifact behind a URL returned by Upload.
	Delete(ctx context.Context, url string) error
}

// Storage is implemented by both LocalStorage and S3Storage.
type Storage interface {
	TempStore
	ArtifactStore
}
