package storage

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/ossx/ossx/internal/auth"
	"github.com/ossx/ossx/internal/client"
	"github.com/ossx/ossx/internal/config"
	"github.com/ossx/ossx/internal/osstest"
)

const testBucket = "archive"

func newTestStorage(t *testing.T, maxRetries int, mp MultipartUploadConfig) (*osstest.Server, *OSSStorage) {
	t.Helper()
	srv := osstest.NewServer([]string{testBucket}, osstest.WithCredentials("AKID", "secret"))
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.PathStyle = true
	cfg.HTTP.MaxRetries = maxRetries
	b, err := client.NewBucket(cfg, testBucket, auth.NewV1Signer("AKID", "secret", ""),
		client.WithRetryBase(time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}
	return srv, NewOSSStorage(b, mp, nil)
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return p
}

func TestOSSStorage_UploadDownload(t *testing.T) {
	srv, s := newTestStorage(t, 0, MultipartUploadConfig{})
	ctx := context.Background()

	src := writeTemp(t, "src.txt", []byte("hello storage"))
	if err := s.Upload(ctx, src, "docs/hello.txt"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if got, ok := srv.Object(testBucket, "docs/hello.txt"); !ok || string(got) != "hello storage" {
		t.Fatalf("unexpected stored object %q (found=%v)", got, ok)
	}

	dst := filepath.Join(t.TempDir(), "nested", "dir", "hello.txt")
	if err := s.Download(ctx, "docs/hello.txt", dst); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("failed to read download: %v", err)
	}
	if string(got) != "hello storage" {
		t.Errorf("content mismatch: %q", got)
	}
}

func TestOSSStorage_UploadMissingFile(t *testing.T) {
	_, s := newTestStorage(t, 0, MultipartUploadConfig{})
	err := s.Upload(context.Background(), filepath.Join(t.TempDir(), "nope"), "k")
	if !errors.Is(err, ErrUploadFailed) {
		t.Errorf("expected ErrUploadFailed, got %v", err)
	}
}

func TestOSSStorage_UploadRetriesFromStart(t *testing.T) {
	srv, s := newTestStorage(t, 2, MultipartUploadConfig{})
	ctx := context.Background()

	srv.FailNext(1, http.StatusServiceUnavailable, "ServiceUnavailable")
	src := writeTemp(t, "src.txt", []byte("replayed body"))
	if err := s.Upload(ctx, src, "retry.txt"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if got, _ := srv.Object(testBucket, "retry.txt"); string(got) != "replayed body" {
		t.Errorf("unexpected stored object %q", got)
	}
	if n := len(srv.Requests()); n != 2 {
		t.Errorf("expected 2 requests, got %d", n)
	}
}

func TestOSSStorage_DownloadNotFound(t *testing.T) {
	_, s := newTestStorage(t, 0, MultipartUploadConfig{})
	dst := filepath.Join(t.TempDir(), "missing.txt")

	err := s.Download(context.Background(), "missing.txt", dst)
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Errorf("expected no file at %s", dst)
	}
	if _, err := os.Stat(dst + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("expected temporary file to be removed")
	}
}

func TestOSSStorage_UploadMultipart(t *testing.T) {
	srv, s := newTestStorage(t, 0, MultipartUploadConfig{PartSize: 100 * 1024, Concurrency: 2})
	ctx := context.Background()

	data := bytes.Repeat([]byte("0123456789abcdef"), 250*1024/16)
	src := writeTemp(t, "big.bin", data)

	etag, err := s.UploadMultipart(ctx, src, "big.bin")
	if err != nil {
		t.Fatalf("UploadMultipart failed: %v", err)
	}
	if etag == "" {
		t.Error("expected an ETag")
	}
	got, ok := srv.Object(testBucket, "big.bin")
	if !ok || !bytes.Equal(got, data) {
		t.Fatalf("stored object does not match (found=%v, len=%d)", ok, len(got))
	}

	var parts []string
	for _, r := range srv.Requests() {
		if r.Method == http.MethodPut && r.Query.Has("uploadId") {
			parts = append(parts, r.Query.Get("partNumber"))
		}
	}
	sort.Strings(parts)
	if len(parts) != 3 || parts[0] != "1" || parts[2] != "3" {
		t.Errorf("unexpected part uploads %v", parts)
	}
}

func TestOSSStorage_UploadMultipartSmallFile(t *testing.T) {
	srv, s := newTestStorage(t, 0, MultipartUploadConfig{PartSize: 1024})
	src := writeTemp(t, "small.txt", []byte("tiny"))

	etag, err := s.UploadMultipart(context.Background(), src, "small.txt")
	if err != nil {
		t.Fatalf("UploadMultipart failed: %v", err)
	}
	if etag == "" {
		t.Error("expected an ETag")
	}
	reqs := srv.Requests()
	if len(reqs) != 1 || reqs[0].Method != http.MethodPut || reqs[0].Query.Has("uploadId") {
		t.Errorf("expected a single PUT, got %+v", reqs)
	}
}

func TestOSSStorage_DeleteExists(t *testing.T) {
	srv, s := newTestStorage(t, 0, MultipartUploadConfig{})
	ctx := context.Background()
	srv.PutObject(testBucket, "a.txt", []byte("a"))

	ok, err := s.Exists(ctx, "a.txt")
	if err != nil || !ok {
		t.Fatalf("expected a.txt to exist: %v %v", ok, err)
	}
	if err := s.Delete(ctx, "a.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	ok, err = s.Exists(ctx, "a.txt")
	if err != nil || ok {
		t.Errorf("expected a.txt to be gone: %v %v", ok, err)
	}
	if err := s.Delete(ctx, "a.txt"); err != nil {
		t.Errorf("deleting a missing object should succeed: %v", err)
	}
}

func TestOSSStorage_ListObjects(t *testing.T) {
	srv, s := newTestStorage(t, 0, MultipartUploadConfig{})
	for _, k := range []string{"logs/2.txt", "logs/1.txt", "logs/sub/3.txt", "other.txt"} {
		srv.PutObject(testBucket, k, []byte(k))
	}

	keys, err := s.ListObjects(context.Background(), "logs/")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	want := []string{"logs/1.txt", "logs/2.txt", "logs/sub/3.txt"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d: expected %s, got %s", i, want[i], keys[i])
		}
	}
}

func TestOSSStorage_ConditionalPut(t *testing.T) {
	srv, s := newTestStorage(t, 0, MultipartUploadConfig{})
	ctx := context.Background()

	v1 := writeTemp(t, "v1", []byte("version one"))
	v2 := writeTemp(t, "v2", []byte("version two"))

	if err := s.ConditionalPut(ctx, v1, "state.json", ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.ConditionalPut(ctx, v2, "state.json", ""); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed on overwrite, got %v", err)
	}

	etag, err := s.UploadMultipart(ctx, v1, "state.json")
	if err != nil {
		t.Fatalf("re-upload failed: %v", err)
	}
	if err := s.ConditionalPut(ctx, v2, "state.json", "0000"); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed on stale etag, got %v", err)
	}
	if err := s.ConditionalPut(ctx, v2, "state.json", etag); err != nil {
		t.Fatalf("matching etag rejected: %v", err)
	}
	if got, _ := srv.Object(testBucket, "state.json"); string(got) != "version two" {
		t.Errorf("unexpected content %q", got)
	}
}
