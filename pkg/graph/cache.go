package graph

import (
	"context"
	"io"
)

// EntityCache pairs a Store with a MergeQueue. Reads drain the queue first,
// so a caller always sees the merges it submitted earlier.
type EntityCache struct {
	store *Store
	queue *MergeQueue
}

// NewEntityCache creates the store and starts its merge workers.
func NewEntityCache(ctx context.Context, storeConfig StoreConfig, queueConfig QueueConfig) *EntityCache {
	store := NewStore(storeConfig)
	return &EntityCache{
		store: store,
		queue: NewMergeQueue(ctx, store, queueConfig),
	}
}

// Store returns the underlying store.
func (cache *EntityCache) Store() *Store {
	return cache.store
}

// Add queues doc for merging as page.
func (cache *EntityCache) Add(ctx context.Context, doc any, page string) error {
	return cache.queue.Submit(ctx, doc, page)
}

// Drain waits for every queued merge.
func (cache *EntityCache) Drain(ctx context.Context) error {
	return cache.queue.Drain(ctx)
}

// GetEntity drains pending merges and returns the best JSON for uri, or nil.
func (cache *EntityCache) GetEntity(ctx context.Context, uri string) (*Entity, error) {
	if err := cache.queue.Drain(ctx); err != nil {
		return nil, err
	}
	return cache.store.GetEntity(uri), nil
}

// Triples drains pending merges and returns the triples about subject.
func (cache *EntityCache) Triples(ctx context.Context, subject string) ([]GraphTriple, error) {
	if err := cache.queue.Drain(ctx); err != nil {
		return nil, err
	}
	return cache.store.Triples(subject), nil
}

// FetchNeeded drains pending merges and evaluates the fetch decision.
func (cache *EntityCache) FetchNeeded(ctx context.Context, entity string, predicates []string) (FetchDecision, error) {
	if err := cache.queue.Drain(ctx); err != nil {
		return 0, err
	}
	return cache.store.FetchNeeded(entity, predicates), nil
}

// HasPageOf drains pending merges and reports whether entity's page is merged.
func (cache *EntityCache) HasPageOf(ctx context.Context, entity string) (bool, error) {
	if err := cache.queue.Drain(ctx); err != nil {
		return false, err
	}
	return cache.store.HasPageOf(entity), nil
}

// Reduce drains pending merges and evicts down to max triples.
func (cache *EntityCache) Reduce(ctx context.Context, max int) ([]string, error) {
	if err := cache.queue.Drain(ctx); err != nil {
		return nil, err
	}
	return cache.store.Reduce(max), nil
}

// Stats returns the store counters without draining.
func (cache *EntityCache) Stats() Stats {
	return cache.store.Stats()
}

// WriteNTriples drains pending merges and writes the graph.
func (cache *EntityCache) WriteNTriples(ctx context.Context, w io.Writer) error {
	if err := cache.queue.Drain(ctx); err != nil {
		return err
	}
	return cache.store.WriteNTriples(w)
}

// Close waits for queued merges and stops the workers.
func (cache *EntityCache) Close() error {
	return cache.queue.Close()
}

// Abort cancels uncommitted merges and stops the workers.
func (cache *EntityCache) Abort() error {
	return cache.queue.Abort()
}
