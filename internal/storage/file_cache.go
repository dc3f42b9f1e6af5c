package storage

import (
	"container/list"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileCache bounds the total size of downloaded files, deleting the least
// recently used ones once maxBytes is exceeded. The most recent entry is
// never evicted, so a single file larger than maxBytes still stays.
type FileCache struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64

	// items maps key → list element (whose value is *cacheEntry)
	items map[string]*list.Element
	order *list.List // front = most recently used
}

type cacheEntry struct {
	key       string
	localPath string
	size      int64
	modTime   time.Time
}

// NewFileCache creates a cache holding at most maxBytes (default 10GB).
func NewFileCache(maxBytes int64) *FileCache {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024 * 1024 // 10 GB
	}
	return &FileCache{
		maxBytes: maxBytes,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the local file for key. An entry whose file was removed or
// rewritten since it was recorded is dropped and reported as a miss.
func (c *FileCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return "", false
	}
	entry := elem.Value.(*cacheEntry)

	info, err := os.Stat(entry.localPath)
	if err != nil || info.Size() != entry.size || !info.ModTime().Equal(entry.modTime) {
		c.forgetLocked(elem)
		return "", false
	}

	c.order.MoveToFront(elem)
	return entry.localPath, true
}

// Put records localPath as the copy of key and evicts older entries as
// needed.
func (c *FileCache) Put(key, localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, localPath, info)
	return nil
}

func (c *FileCache) putLocked(key, localPath string, info fs.FileInfo) {
	if elem, ok := c.items[key]; ok {
		old := elem.Value.(*cacheEntry)
		c.curBytes -= old.size
		old.localPath, old.size, old.modTime = localPath, info.Size(), info.ModTime()
		c.curBytes += old.size
		c.order.MoveToFront(elem)
	} else {
		entry := &cacheEntry{key: key, localPath: localPath, size: info.Size(), modTime: info.ModTime()}
		c.items[key] = c.order.PushFront(entry)
		c.curBytes += entry.size
	}

	for c.curBytes > c.maxBytes && c.order.Len() > 1 {
		c.evictLocked(c.order.Back())
	}
}

// Scan registers the files already under dir, keyed by their slash
// separated path relative to dir. Older files are treated as less recently
// used. Leftover .tmp files from interrupted downloads are ignored.
func (c *FileCache) Scan(dir string) error {
	type found struct {
		key  string
		path string
		info fs.FileInfo
	}
	var files []found

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, found{key: filepath.ToSlash(rel), path: path, info: info})
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].info.ModTime().Before(files[j].info.ModTime())
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range files {
		c.putLocked(f.key, f.path, f.info)
	}
	return nil
}

// evictLocked drops elem and deletes its file. Caller must hold c.mu.
func (c *FileCache) evictLocked(elem *list.Element) {
	entry := c.forgetLocked(elem)
	os.Remove(entry.localPath)
}

// forgetLocked drops elem without touching the file. Caller must hold c.mu.
func (c *FileCache) forgetLocked(elem *list.Element) *cacheEntry {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.items, entry.key)
	c.curBytes -= entry.size
	return entry
}

// Size returns the current total cached size in bytes.
func (c *FileCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// Len returns the number of cached entries.
func (c *FileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
