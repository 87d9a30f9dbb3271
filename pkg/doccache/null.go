package doccache

import "time"

// NullCache never stores anything; every lookup misses.
type NullCache struct{}

// TryGet always misses.
func (NullCache) TryGet(string) ([]byte, bool) { return nil, false }

// Add does nothing.
func (NullCache) Add(string, time.Duration, []byte) {}

// Remove does nothing.
func (NullCache) Remove(string) {}
