// Package origin serves a script directory over HTTP so locators have a
// same-origin host to resolve against during development and tests.
package origin

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrOutsideRoot is returned for request paths that escape the script directory.
var ErrOutsideRoot = errors.New("path outside script directory")

// entry is one cached file.
type entry struct {
	body    []byte
	etag    string
	modTime time.Time
}

// Cache holds file bodies and their ETags, keyed by clean relative path.
// Entries stay until the watcher invalidates them.
type Cache struct {
	root    string
	mu      sync.Mutex
	entries map[string]*entry
}

// NewCache creates a cache over root.
func NewCache(root string) (*Cache, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Cache{root: abs, entries: make(map[string]*entry)}, nil
}

// Root returns the absolute script directory.
func (c *Cache) Root() string {
	return c.root
}

// Key maps a URL path to its cache key, or ErrOutsideRoot.
func Key(urlPath string) (string, error) {
	if strings.Contains(urlPath, "\\") || strings.Contains(urlPath, "\x00") {
		return "", ErrOutsideRoot
	}
	for _, seg := range strings.Split(urlPath, "/") {
		if seg == ".." {
			return "", ErrOutsideRoot
		}
	}
	key := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if key == "" || key == "." {
		return "", os.ErrNotExist
	}
	return key, nil
}

// Get returns the body and ETag for key, reading the file on a miss.
func (c *Cache) Get(key string) ([]byte, string, time.Time, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return e.body, e.etag, e.modTime, nil
	}
	c.mu.Unlock()

	file := filepath.Join(c.root, filepath.FromSlash(key))
	info, err := os.Stat(file)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	if info.IsDir() {
		return nil, "", time.Time{}, os.ErrNotExist
	}
	body, err := os.ReadFile(file)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	sum := sha256.Sum256(body)
	e := &entry{
		body:    body,
		etag:    `"` + hex.EncodeToString(sum[:]) + `"`,
		modTime: info.ModTime(),
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return e.body, e.etag, e.modTime, nil
}

// Invalidate drops key from the cache.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

// Len returns the number of cached files.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// keyFor maps an absolute file path under the root to its cache key.
func (c *Cache) keyFor(file string) (string, bool) {
	rel, err := filepath.Rel(c.root, file)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
