package doccache

import (
	"sync"
	"time"
)

// memoryEntry holds cached bytes and their expiration time.
type memoryEntry struct {
	body      []byte
	expiresAt time.Time
}

// MemoryCache is a thread-safe, in-memory TTL cache.
// Entries are lazily expired on access (checked during TryGet).
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// TryGet retrieves a copy of the cached bytes for uri.
// Expired entries are lazily removed on access.
func (memoryCache *MemoryCache) TryGet(uri string) ([]byte, bool) {
	memoryCache.mu.RLock()
	entry, exists := memoryCache.entries[uri]
	memoryCache.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if memoryCache.now().After(entry.expiresAt) {
		memoryCache.mu.Lock()
		// Re-check in case another goroutine already replaced it.
		if current, stillExists := memoryCache.entries[uri]; stillExists && memoryCache.now().After(current.expiresAt) {
			delete(memoryCache.entries, uri)
		}
		memoryCache.mu.Unlock()
		return nil, false
	}

	return copyBytes(entry.body), true
}

// Add stores a private copy of body for uri.
func (memoryCache *MemoryCache) Add(uri string, ttl time.Duration, body []byte) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	memoryCache.mu.Lock()
	memoryCache.entries[uri] = memoryEntry{
		body:      copyBytes(body),
		expiresAt: memoryCache.now().Add(ttl),
	}
	memoryCache.mu.Unlock()
}

// Remove drops a specific entry from the cache.
func (memoryCache *MemoryCache) Remove(uri string) {
	memoryCache.mu.Lock()
	delete(memoryCache.entries, uri)
	memoryCache.mu.Unlock()
}

// Len returns the number of entries currently in the cache (including potentially expired ones).
func (memoryCache *MemoryCache) Len() int {
	memoryCache.mu.RLock()
	count := len(memoryCache.entries)
	memoryCache.mu.RUnlock()
	return count
}

// Cleanup removes all expired entries and returns how many were dropped.
func (memoryCache *MemoryCache) Cleanup() int {
	memoryCache.mu.Lock()
	defer memoryCache.mu.Unlock()

	expiredCount := 0
	now := memoryCache.now()

	for uri, entry := range memoryCache.entries {
		if now.After(entry.expiresAt) {
			delete(memoryCache.entries, uri)
			expiredCount++
		}
	}

	return expiredCount
}
