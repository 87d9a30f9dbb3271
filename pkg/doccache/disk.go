package doccache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coolbeans/ldcache/pkg/logger"
)

// DiskCache keeps documents as JSON files keyed by a SHA-256 hash of the URI.
// It stands in for a host-provided cache that outlives the process.
type DiskCache struct {
	cacheDir string
	logger   logger.Logger

	// mu serializes writers so a reader never sees a half-written file.
	mu sync.Mutex
}

// diskCacheEntry wraps the document bytes with an expiration timestamp.
type diskCacheEntry struct {
	URI       string    `json:"uri"`
	Body      []byte    `json:"body"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewDiskCache creates a disk cache in the given directory.
// Creates the directory if it does not exist. Failed writes are logged to log.
func NewDiskCache(cacheDir string, log logger.Logger) (*DiskCache, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", cacheDir, err)
	}
	return &DiskCache{cacheDir: cacheDir, logger: logger.OrNop(log)}, nil
}

// TryGet returns the stored bytes for uri if the file exists and has not expired.
func (cache *DiskCache) TryGet(uri string) ([]byte, bool) {
	cacheFilePath := cache.pathFor(uri)

	data, err := os.ReadFile(cacheFilePath)
	if err != nil {
		return nil, false
	}

	var entry diskCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}

	if entry.URI != uri {
		return nil, false
	}

	if time.Now().After(entry.ExpiresAt) {
		// Entry expired, remove stale file.
		_ = os.Remove(cacheFilePath)
		return nil, false
	}

	return entry.Body, true
}

// Add writes body for uri. A failed write is logged and leaves the cache
// without the entry.
func (cache *DiskCache) Add(uri string, ttl time.Duration, body []byte) {
	if err := cache.Store(uri, ttl, body); err != nil {
		cache.logger.Warn("failed to store document", "uri", uri, "error", err)
	}
}

// Store is Add with the write error reported.
func (cache *DiskCache) Store(uri string, ttl time.Duration, body []byte) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	entry := diskCacheEntry{
		URI:       uri,
		Body:      body,
		ExpiresAt: time.Now().Add(ttl),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	cacheFilePath := cache.pathFor(uri)
	tmpPath := cacheFilePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, cacheFilePath); err != nil {
		return fmt.Errorf("failed to move cache file into place %s: %w", cacheFilePath, err)
	}
	return nil
}

// Remove deletes the file for uri.
func (cache *DiskCache) Remove(uri string) {
	cache.mu.Lock()
	_ = os.Remove(cache.pathFor(uri))
	cache.mu.Unlock()
}

// keyFor returns the SHA-256 hash of the URI, used as the cache filename.
func (cache *DiskCache) keyFor(uri string) string {
	hash := sha256.Sum256([]byte(uri))
	return hex.EncodeToString(hash[:])
}

// pathFor returns the full file path for a cached URI.
func (cache *DiskCache) pathFor(uri string) string {
	return filepath.Join(cache.cacheDir, cache.keyFor(uri)+".json")
}
