// Package doccache stores raw documents previously retrieved over HTTP, keyed
// by canonical URI, each with its own time-to-live.
package doccache

import (
	"fmt"
	"time"

	"github.com/coolbeans/ldcache/pkg/logger"
)

// DefaultTTL is the lifetime given to fetched documents.
const DefaultTTL = 1 * time.Hour

// Cache is a store of raw document bytes keyed by canonical URI.
// Implementations must be safe for concurrent use.
type Cache interface {
	// TryGet returns the bytes for uri if a live entry exists.
	TryGet(uri string) ([]byte, bool)

	// Add stores body for uri, replacing any existing entry.
	Add(uri string, ttl time.Duration, body []byte)

	// Remove drops the entry for uri if present.
	Remove(uri string)
}

// Kind names a Cache implementation.
type Kind string

const (
	KindMemory Kind = "memory"
	KindNull   Kind = "null"
	KindDisk   Kind = "disk"
)

// New builds a cache of the given kind. dir and log are only used by KindDisk.
func New(kind Kind, dir string, log logger.Logger) (Cache, error) {
	switch kind {
	case KindMemory, "":
		return NewMemoryCache(), nil
	case KindNull:
		return NullCache{}, nil
	case KindDisk:
		if dir == "" {
			return nil, fmt.Errorf("disk cache requires a directory")
		}
		return NewDiskCache(dir, log)
	default:
		return nil, fmt.Errorf("unknown document cache kind %q", kind)
	}
}

func copyBytes(body []byte) []byte {
	if body == nil {
		return nil
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out
}
