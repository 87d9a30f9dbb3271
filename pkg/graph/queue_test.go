package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coolbeans/ldcache/pkg/jsonld"
)

// gatedNormalizer blocks ToTriples until release is closed.
type gatedNormalizer struct {
	*jsonld.Normalizer
	entered chan struct{}
	release chan struct{}
}

func newGatedNormalizer() *gatedNormalizer {
	return &gatedNormalizer{
		Normalizer: jsonld.NewNormalizer(),
		entered:    make(chan struct{}, 64),
		release:    make(chan struct{}),
	}
}

func (normalizer *gatedNormalizer) ToTriples(doc any, base string) ([]jsonld.Statement, error) {
	normalizer.entered <- struct{}{}
	<-normalizer.release
	return normalizer.Normalizer.ToTriples(doc, base)
}

func pageDoc(t *testing.T, i int) (any, string) {
	page := fmt.Sprintf("http://test/q%d", i)
	return parseDoc(t, fmt.Sprintf(`{"@context": {"@vocab": %q}, "@id": %q, "n": %d}`, vocab, page, i)), page
}

func TestMergeQueue_SubmitAndDrain(t *testing.T) {
	store := NewStore(DefaultStoreConfig())
	queue := NewMergeQueue(context.Background(), store, DefaultQueueConfig())
	defer queue.Close()

	for i := 0; i < 20; i++ {
		doc, page := pageDoc(t, i)
		require.NoError(t, queue.Submit(context.Background(), doc, page))
	}
	require.NoError(t, queue.Drain(context.Background()))

	assert.Equal(t, 20, store.Count())
	assert.Len(t, store.Pages(), 20)
	assert.Equal(t, 0, queue.Outstanding())
}

func TestMergeQueue_Backpressure(t *testing.T) {
	normalizer := newGatedNormalizer()
	store := NewStore(StoreConfig{Normalizer: normalizer})
	queue := NewMergeQueue(context.Background(), store, QueueConfig{Depth: 2, Workers: 1})
	defer queue.Close()

	for i := 0; i < 2; i++ {
		doc, page := pageDoc(t, i)
		require.NoError(t, queue.Submit(context.Background(), doc, page))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	doc, page := pageDoc(t, 2)
	err := queue.Submit(ctx, doc, page)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 2, queue.Outstanding())

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer drainCancel()
	assert.Error(t, queue.Drain(drainCtx), "drain must wait for blocked merges")

	close(normalizer.release)
	require.NoError(t, queue.Drain(context.Background()))
	assert.Len(t, store.Pages(), 2)
	assert.False(t, store.HasPage(page))
}

func TestMergeQueue_DrainIsReadYourWrites(t *testing.T) {
	cache := NewEntityCache(context.Background(), DefaultStoreConfig(), DefaultQueueConfig())
	defer cache.Close()

	require.NoError(t, cache.Add(context.Background(), parseDoc(t, pageB), "http://test/e"))

	entity, err := cache.GetEntity(context.Background(), "http://test/e")
	require.NoError(t, err)
	require.NotNil(t, entity)
	assert.Equal(t, "http://test/e", entity.Page)

	decision, err := cache.FetchNeeded(context.Background(), "http://test/e", []string{vocab + "p9"})
	require.NoError(t, err)
	assert.Equal(t, AlreadyCanonical, decision)

	ok, err := cache.HasPageOf(context.Background(), "http://test/e#x")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMergeQueue_ConcurrentSubmitters(t *testing.T) {
	cache := NewEntityCache(context.Background(), DefaultStoreConfig(), QueueConfig{Depth: 3, Workers: 2})
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc, page := pageDoc(t, i%10)
			assert.NoError(t, cache.Add(context.Background(), doc, page))
		}(i)
	}
	wg.Wait()

	require.NoError(t, cache.Drain(context.Background()))
	stats := cache.Stats()
	assert.Equal(t, 10, stats.Pages, "each page merges at most once")
	assert.Equal(t, 10, stats.Triples)
}

func TestMergeQueue_AbortLeavesNothingPartial(t *testing.T) {
	normalizer := newGatedNormalizer()
	store := NewStore(StoreConfig{Normalizer: normalizer})

	var mu sync.Mutex
	var results []MergeResult
	parent, cancel := context.WithCancel(context.Background())
	queue := NewMergeQueue(parent, store, QueueConfig{
		Depth:   1,
		Workers: 1,
		OnMerge: func(result MergeResult, err error) {
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		},
	})

	doc, page := pageDoc(t, 1)
	require.NoError(t, queue.Submit(context.Background(), doc, page))
	<-normalizer.entered

	cancel()
	close(normalizer.release)
	require.NoError(t, queue.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.Equal(t, MergeCancelled, results[0].Status)
	assert.Equal(t, 0, store.Count())
	assert.False(t, store.HasPage(page))
}

func TestMergeQueue_SubmitAfterClose(t *testing.T) {
	queue := NewMergeQueue(context.Background(), NewStore(DefaultStoreConfig()), DefaultQueueConfig())
	require.NoError(t, queue.Close())
	require.NoError(t, queue.Close())

	doc, page := pageDoc(t, 1)
	assert.ErrorIs(t, queue.Submit(context.Background(), doc, page), ErrClosed)
	assert.NoError(t, queue.Drain(context.Background()))
}

func TestEntityCache_Abort(t *testing.T) {
	cache := NewEntityCache(context.Background(), DefaultStoreConfig(), DefaultQueueConfig())
	require.NoError(t, cache.Abort())
	assert.ErrorIs(t, cache.Add(context.Background(), parseDoc(t, pageB), "http://test/e"), ErrClosed)
}
