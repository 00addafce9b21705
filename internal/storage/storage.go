// Package storage persists snapshots of retiring archive partitions to
// object storage. A partition is only dropped by retention after its
// snapshot upload succeeds, so the snapshot store is the last copy of the
// dropped rows.
package storage

import (
	"context"
	"errors"
)

// Common errors for snapshot storage operations.
var (
	ErrObjectNotFound = errors.New("snapshot object not found")
	ErrUploadFailed   = errors.New("snapshot upload failed")
	ErrDownloadFailed = errors.New("snapshot download failed")
	ErrDeleteFailed   = errors.New("snapshot delete failed")
)

// ObjectStorage abstracts the snapshot object store. Implementations are
// S3 (production) and the local filesystem (development and tests).
type ObjectStorage interface {
	// Upload stores the local file at objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// UploadMultipart uploads large snapshots in parts and returns the
	// ETag of the stored object.
	UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error)

	// Download fetches objectPath into localPath.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether objectPath is present.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns every object path under the prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes.
	PartSize int64
	// Concurrency is the number of concurrent part uploads.
	Concurrency int
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize:    5 * 1024 * 1024,
		Concurrency: 5,
	}
}
