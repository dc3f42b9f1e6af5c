package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// recordingStorage records the order of Download calls.
type recordingStorage struct {
	ObjectStorage
	mu    sync.Mutex
	order []string
}

func (r *recordingStorage) Download(_ context.Context, objectPath, localPath string) error {
	r.mu.Lock()
	r.order = append(r.order, objectPath)
	r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(localPath, []byte(objectPath), 0644)
}

func TestBatchDownloader_BasicDownload(t *testing.T) {
	srv, storage := newTestStorage(t, 0, MultipartUploadConfig{})
	cacheDir := t.TempDir()
	downloader := NewBatchDownloader(storage, 3, cacheDir, nil)

	keys := []string{"obj1.txt", "obj2.txt", "obj3.txt", "obj4.txt", "obj5.txt",
		"obj6.txt", "obj7.txt", "obj8.txt", "obj9.txt", "obj10.txt"}
	content := []byte("test content")
	for _, k := range keys {
		srv.PutObject(testBucket, k, content)
	}

	result, err := downloader.Download(context.Background(), &BatchRequest{Keys: keys})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	if len(result.LocalPaths) != len(keys) {
		t.Errorf("expected %d local paths, got %d", len(keys), len(result.LocalPaths))
	}
	if len(result.Errors) != 0 {
		t.Errorf("expected no errors, got %v", result.Errors)
	}
	if result.CacheHits != 0 {
		t.Errorf("expected 0 cache hits, got %d", result.CacheHits)
	}
	if result.Downloads != len(keys) {
		t.Errorf("expected %d downloads, got %d", len(keys), result.Downloads)
	}

	for k, localPath := range result.LocalPaths {
		downloaded, err := os.ReadFile(localPath)
		if err != nil {
			t.Errorf("failed to read downloaded file %s: %v", k, err)
			continue
		}
		if string(downloaded) != string(content) {
			t.Errorf("content mismatch for %s", k)
		}
	}
}

func TestBatchDownloader_CacheHit(t *testing.T) {
	srv, storage := newTestStorage(t, 0, MultipartUploadConfig{})
	cacheDir := t.TempDir()
	downloader := NewBatchDownloader(storage, 3, cacheDir, nil)
	ctx := context.Background()

	srv.PutObject(testBucket, "test/object.txt", []byte("cache hit test"))
	req := &BatchRequest{Keys: []string{"test/object.txt"}, Priority: []int{0}}

	result, err := downloader.Download(ctx, req)
	if err != nil {
		t.Fatalf("First download failed: %v", err)
	}
	if result.CacheHits != 0 || result.Downloads != 1 {
		t.Errorf("first download: expected 0 hits and 1 download, got %d and %d", result.CacheHits, result.Downloads)
	}
	if want := filepath.Join(cacheDir, "test", "object.txt"); result.LocalPaths["test/object.txt"] != want {
		t.Errorf("expected local path %s, got %s", want, result.LocalPaths["test/object.txt"])
	}

	result, err = downloader.Download(ctx, req)
	if err != nil {
		t.Fatalf("Second download failed: %v", err)
	}
	if result.CacheHits != 1 || result.Downloads != 0 {
		t.Errorf("second download: expected 1 hit and 0 downloads, got %d and %d", result.CacheHits, result.Downloads)
	}
	if n := len(srv.Requests()); n != 1 {
		t.Errorf("expected a single GET, got %d requests", n)
	}
}

func TestBatchDownloader_PartialFailure(t *testing.T) {
	srv, storage := newTestStorage(t, 0, MultipartUploadConfig{})
	downloader := NewBatchDownloader(storage, 3, t.TempDir(), nil)

	keys := []string{"exists1.txt", "exists2.txt", "exists3.txt", "nonexistent1.txt", "nonexistent2.txt"}
	for _, k := range keys[:3] {
		srv.PutObject(testBucket, k, []byte("partial failure test"))
	}

	result, err := downloader.Download(context.Background(), &BatchRequest{Keys: keys})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if len(result.LocalPaths) != 3 {
		t.Errorf("expected 3 successful downloads, got %d", len(result.LocalPaths))
	}
	if len(result.Errors) != 2 {
		t.Errorf("expected 2 errors, got %d", len(result.Errors))
	}
	if result.Downloads != 3 {
		t.Errorf("expected 3 downloads, got %d", result.Downloads)
	}
	for _, k := range keys[3:] {
		if _, exists := result.Errors[k]; !exists {
			t.Errorf("expected error for key %s", k)
		}
	}
}

func TestBatchDownloader_PriorityOrdering(t *testing.T) {
	storage := &recordingStorage{}
	downloader := NewBatchDownloader(storage, 1, t.TempDir(), nil) // concurrency 1 for deterministic order

	req := &BatchRequest{
		Keys:     []string{"prefetch1.txt", "critical1.txt", "prefetch2.txt", "critical2.txt"},
		Priority: []int{1, 0, 1, 0},
	}
	result, err := downloader.Download(context.Background(), req)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if len(result.LocalPaths) != 4 {
		t.Errorf("expected 4 local paths, got %d", len(result.LocalPaths))
	}

	want := []string{"critical1.txt", "critical2.txt", "prefetch1.txt", "prefetch2.txt"}
	for i := range want {
		if storage.order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, storage.order)
		}
	}
}

func TestBatchDownloader_DuplicateKeys(t *testing.T) {
	storage := &recordingStorage{}
	downloader := NewBatchDownloader(storage, 4, t.TempDir(), nil)

	req := &BatchRequest{
		Keys:     []string{"later.txt", "shared.txt", "shared.txt", "shared.txt"},
		Priority: []int{0, 1, 1, 0},
	}
	result, err := downloader.Download(context.Background(), req)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if result.Downloads != 2 {
		t.Errorf("expected 2 downloads, got %d", result.Downloads)
	}
	if len(storage.order) != 2 {
		t.Fatalf("expected each key fetched once, got %v", storage.order)
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
}

func TestBatchDownloader_EscapingKeys(t *testing.T) {
	storage := &recordingStorage{}
	cacheDir := t.TempDir()
	downloader := NewBatchDownloader(storage, 2, cacheDir, nil)

	result, err := downloader.Download(context.Background(), &BatchRequest{
		Keys: []string{"../../etc/passwd", "dir/"},
	})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if got := result.LocalPaths["../../etc/passwd"]; got != filepath.Join(cacheDir, "etc", "passwd") {
		t.Errorf("expected key to stay under the cache dir, got %s", got)
	}
	if _, ok := result.Errors["dir/"]; !ok {
		t.Error("expected an error for a directory key")
	}
}

func TestBatchDownloader_EmptyRequest(t *testing.T) {
	downloader := NewBatchDownloader(&recordingStorage{}, 3, t.TempDir(), nil)

	result, err := downloader.Download(context.Background(), &BatchRequest{})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if len(result.LocalPaths) != 0 || len(result.Errors) != 0 {
		t.Errorf("expected an empty result, got %+v", result)
	}
}

func TestBatchDownloader_NoCacheDir(t *testing.T) {
	srv, storage := newTestStorage(t, 0, MultipartUploadConfig{})
	t.Chdir(t.TempDir())

	downloader := NewBatchDownloader(storage, 3, "", nil)
	srv.PutObject(testBucket, "test.txt", []byte("no cache test"))

	result, err := downloader.Download(context.Background(), &BatchRequest{Keys: []string{"test.txt"}})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if result.LocalPaths["test.txt"] != "test.txt" {
		t.Errorf("expected a path relative to the working directory, got %q", result.LocalPaths["test.txt"])
	}
	if result.CacheHits != 0 {
		t.Errorf("expected 0 cache hits, got %d", result.CacheHits)
	}
}

func TestBatchDownloader_PriorityMismatch(t *testing.T) {
	downloader := NewBatchDownloader(&recordingStorage{}, 3, t.TempDir(), nil)

	result, err := downloader.Download(context.Background(), &BatchRequest{
		Keys:     []string{"a.txt", "b.txt"},
		Priority: []int{0},
	})
	if err == nil {
		t.Errorf("expected error for priority mismatch, got nil")
	}
	if result != nil {
		t.Errorf("expected nil result on error, got %v", result)
	}
}
