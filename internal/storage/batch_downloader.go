package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// BatchDownloader coordinates parallel downloads of many keys.
// Higher priority keys are started first and keys already present in the
// cache directory are not fetched again.
type BatchDownloader struct {
	storage     ObjectStorage
	concurrency int
	cacheDir    string
	cache       *FileCache
	logger      *zap.Logger
}

// BatchRequest specifies which keys to download with optional priorities.
type BatchRequest struct {
	Keys     []string
	Priority []int // 0=critical, 1=prefetch
}

// BatchResult contains the outcome of a batch download operation.
type BatchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Downloads  int
}

// NewBatchDownloader creates a new batch downloader.
// storage: the ObjectStorage implementation to download from
// concurrency: maximum number of parallel downloads
// cacheDir: directory downloads are written to (empty = working directory, no caching)
func NewBatchDownloader(storage ObjectStorage, concurrency int, cacheDir string, logger *zap.Logger) *BatchDownloader {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchDownloader{
		storage:     storage,
		concurrency: concurrency,
		cacheDir:    cacheDir,
		logger:      logger,
	}
}

// SetCache bounds the cache directory with c. Hits are then answered from
// c instead of the filesystem and every download is recorded in it.
func (b *BatchDownloader) SetCache(c *FileCache) {
	b.cache = c
}

// Download fetches every key in req. Per-key failures are reported in
// BatchResult.Errors; the returned error is only set for a malformed request.
func (b *BatchDownloader) Download(ctx context.Context, req *BatchRequest) (*BatchResult, error) {
	result := &BatchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}
	if len(req.Keys) == 0 {
		return result, nil
	}

	priority := req.Priority
	if len(priority) == 0 {
		priority = make([]int, len(req.Keys))
	} else if len(priority) != len(req.Keys) {
		return nil, fmt.Errorf("priority array length must match key count")
	}

	type keyWithPriority struct {
		key       string
		priority  int
		localPath string
	}
	// A repeated key is fetched once, at its most urgent priority
	var queue []keyWithPriority
	seen := make(map[string]int, len(req.Keys))
	for i, k := range req.Keys {
		if j, ok := seen[k]; ok {
			if j >= 0 {
				queue[j].priority = min(queue[j].priority, priority[i])
			}
			continue
		}
		local, err := b.localPath(k)
		if err != nil {
			result.Errors[k] = err
			seen[k] = -1
			continue
		}
		seen[k] = len(queue)
		queue = append(queue, keyWithPriority{key: k, priority: priority[i], localPath: local})
	}

	// Stable so equal priorities keep request order
	sort.SliceStable(queue, func(i, j int) bool {
		return queue[i].priority < queue[j].priority
	})

	var downloadQueue []keyWithPriority
	for _, k := range queue {
		if b.cache != nil {
			if local, ok := b.cache.Get(k.key); ok {
				result.LocalPaths[k.key] = local
				result.CacheHits++
				continue
			}
		} else if b.cacheDir != "" {
			if _, err := os.Stat(k.localPath); err == nil {
				result.LocalPaths[k.key] = k.localPath
				result.CacheHits++
				continue
			}
		}
		downloadQueue = append(downloadQueue, k)
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, k := range downloadQueue {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[k.key] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(key, local string) {
			defer sem.Release(1)
			defer wg.Done()

			if err := b.storage.Download(ctx, key, local); err != nil {
				b.logger.Debug("batch download failed", zap.String("key", key), zap.Error(err))
				mu.Lock()
				result.Errors[key] = err
				mu.Unlock()
				return
			}
			if b.cache != nil {
				if err := b.cache.Put(key, local); err != nil {
					b.logger.Warn("failed to record cached file", zap.String("key", key), zap.Error(err))
				}
			}

			mu.Lock()
			result.LocalPaths[key] = local
			result.Downloads++
			mu.Unlock()
		}(k.key, k.localPath)
	}

	wg.Wait()

	b.logger.Info("batch download finished",
		zap.Int("requested", len(req.Keys)),
		zap.Int("downloads", result.Downloads),
		zap.Int("cache_hits", result.CacheHits),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// localPath maps a key to a file under the cache directory, keeping the
// key's directory structure. Keys that would escape the directory are
// rejected.
func (b *BatchDownloader) localPath(key string) (string, error) {
	cleaned := path.Clean("/" + key)
	if cleaned == "/" || strings.HasSuffix(key, "/") {
		return "", fmt.Errorf("%w: %q does not name a file", ErrDownloadFailed, key)
	}
	rel := filepath.FromSlash(strings.TrimPrefix(cleaned, "/"))
	if b.cacheDir == "" {
		return rel, nil
	}
	return filepath.Join(b.cacheDir, rel), nil
}
