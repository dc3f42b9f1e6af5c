package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ossx/ossx/internal/client"
	errs "github.com/ossx/ossx/internal/errors"
)

// OSSStorage implements ObjectStorage on a single bucket.
type OSSStorage struct {
	bucket *client.Bucket
	config MultipartUploadConfig
	logger *zap.Logger
}

// NewOSSStorage creates a storage backed by bucket. Zero fields of cfg take
// their defaults.
func NewOSSStorage(bucket *client.Bucket, cfg MultipartUploadConfig, logger *zap.Logger) *OSSStorage {
	def := DefaultMultipartConfig()
	if cfg.PartSize <= 0 {
		cfg.PartSize = def.PartSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OSSStorage{bucket: bucket, config: cfg, logger: logger}
}

// Upload uploads a file in a single PUT.
func (s *OSSStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	_, err := s.put(ctx, localPath, objectPath, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	return nil
}

// put reopens the file on every attempt so a retried request resends it
// from the start.
func (s *OSSStorage) put(ctx context.Context, localPath, objectPath string, header http.Header) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	var etag string
	err := s.bucket.Retry(ctx, "upload", func() error {
		res, err := s.bucket.PutObjectFromFile(ctx, objectPath, localPath, &client.PutOptions{Header: header})
		if err != nil {
			return err
		}
		etag = res.ETag
		return nil
	})
	return etag, err
}

// UploadMultipart uploads a file in parts of config.PartSize, up to
// config.Concurrency at a time.
func (s *OSSStorage) UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	fileSize := stat.Size()

	// If file is small enough, use simple upload
	if fileSize <= s.config.PartSize {
		etag, err := s.put(ctx, localPath, objectPath, nil)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
		}
		return etag, nil
	}

	var etag string
	err = s.bucket.Retry(ctx, "multipart upload", func() error {
		var uploadErr error
		etag, uploadErr = s.doMultipartUpload(ctx, file, fileSize, objectPath)
		return uploadErr
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	return etag, nil
}

func (s *OSSStorage) doMultipartUpload(ctx context.Context, file *os.File, fileSize int64, objectPath string) (string, error) {
	partSize := s.config.PartSize

	init, err := s.bucket.InitMultipartUpload(ctx, objectPath, nil)
	if err != nil {
		return "", err
	}
	uploadID := init.UploadID

	numParts := int((fileSize + partSize - 1) / partSize)
	parts := make([]client.Part, numParts)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for i := range numParts {
		offset := int64(i) * partSize
		size := min(partSize, fileSize-offset)
		g.Go(func() error {
			res, err := s.bucket.UploadPart(gctx, objectPath, uploadID, i+1, io.NewSectionReader(file, offset, size), nil)
			if err != nil {
				return fmt.Errorf("part %d: %w", i+1, err)
			}
			parts[i] = client.Part{PartNumber: i + 1, ETag: res.ETag}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.abortMultipartUpload(ctx, objectPath, uploadID)
		return "", err
	}

	res, err := s.bucket.CompleteMultipartUpload(ctx, objectPath, uploadID, parts)
	if err != nil {
		s.abortMultipartUpload(ctx, objectPath, uploadID)
		return "", err
	}

	s.logger.Debug("multipart upload complete",
		zap.String("key", objectPath),
		zap.String("upload_id", uploadID),
		zap.Int("parts", numParts),
		zap.Int64("size", fileSize))
	return res.ETag, nil
}

// abortMultipartUpload runs even when ctx is already cancelled.
func (s *OSSStorage) abortMultipartUpload(ctx context.Context, objectPath, uploadID string) {
	if _, err := s.bucket.AbortMultipartUpload(context.WithoutCancel(ctx), objectPath, uploadID); err != nil {
		s.logger.Warn("failed to abort multipart upload",
			zap.String("key", objectPath),
			zap.String("upload_id", uploadID),
			zap.Error(err))
	}
}

// Download downloads an object into localPath, creating parent directories.
func (s *OSSStorage) Download(ctx context.Context, objectPath, localPath string) error {
	if dir := filepath.Dir(localPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
		}
	}

	if _, err := s.bucket.GetObjectToFile(ctx, objectPath, localPath, nil); err != nil {
		if errors.Is(err, errs.ErrNoSuchKey) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, objectPath)
		}
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	return nil
}

// Delete removes an object.
func (s *OSSStorage) Delete(ctx context.Context, objectPath string) error {
	if _, err := s.bucket.DeleteObject(ctx, objectPath); err != nil {
		return fmt.Errorf("%w: %w", ErrDeleteFailed, err)
	}
	return nil
}

// Exists checks if an object exists.
func (s *OSSStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	return s.bucket.ObjectExists(ctx, objectPath)
}

// ListObjects returns all object keys under the given prefix.
func (s *OSSStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var objects []string
	it := s.bucket.NewObjectIterator(prefix, "", 1000)
	for {
		entry, err := it.Next(ctx)
		if err == io.EOF {
			return objects, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		objects = append(objects, entry.Key)
	}
}

// ConditionalPut uploads only if the precondition is met.
func (s *OSSStorage) ConditionalPut(ctx context.Context, localPath, objectPath, etag string) error {
	header := http.Header{}
	if etag != "" {
		header.Set("If-Match", etag)
	} else {
		header.Set("x-oss-forbid-overwrite", "true")
	}

	_, err := s.put(ctx, localPath, objectPath, header)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrPreconditionFailed), errors.Is(err, errs.ErrFileAlreadyExists):
		return fmt.Errorf("%w: %w", ErrPreconditionFailed, err)
	default:
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
}
