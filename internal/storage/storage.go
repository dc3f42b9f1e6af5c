// Package storage provides file-level object storage operations on top of
// the OSS bucket client.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound     = errors.New("object not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrUploadFailed       = errors.New("upload failed")
	ErrDownloadFailed     = errors.New("download failed")
	ErrDeleteFailed       = errors.New("delete failed")
)

// ObjectStorage moves whole files between the local filesystem and a bucket.
type ObjectStorage interface {
	// Upload uploads a file in a single request.
	Upload(ctx context.Context, localPath, objectPath string) error

	// UploadMultipart uploads a file in parts and returns the object ETag.
	// Files no larger than one part fall back to Upload.
	UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error)

	// Download writes an object to localPath.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ConditionalPut uploads only if the existing object still has etag.
	// An empty etag means the object must not exist yet.
	ConditionalPut(ctx context.Context, localPath, objectPath, etag string) error

	// ListObjects returns all object keys under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64
	// Concurrency is the number of concurrent part uploads (default: 5).
	Concurrency int
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize:    5 * 1024 * 1024, // 5MB
		Concurrency: 5,
	}
}
