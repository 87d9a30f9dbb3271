package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/coolbeans/ldcache/pkg/logger"
)

// Merge queue defaults.
const (
	DefaultQueueDepth = 5
	DefaultWorkers    = 5
)

// ErrClosed is returned when submitting to a closed queue.
var ErrClosed = errors.New("merge queue is closed")

// QueueConfig configures a MergeQueue.
type QueueConfig struct {
	// Depth bounds merges that are queued or running. Submit blocks once
	// the bound is reached. Default: 5.
	Depth int

	// Workers is the number of merge goroutines. Default: 5.
	Workers int

	// OnMerge, when set, receives every merge outcome from a worker.
	OnMerge func(MergeResult, error)

	Logger logger.Logger
}

// DefaultQueueConfig returns the default queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Depth:   DefaultQueueDepth,
		Workers: DefaultWorkers,
	}
}

type mergeJob struct {
	doc  any
	page string
}

// MergeQueue runs store merges on a fixed worker pool. Every merge holds one
// unit of a weighted semaphore from Submit until it finishes, which gives
// both backpressure and the Drain barrier.
type MergeQueue struct {
	store  *Store
	depth  int64
	sem    *semaphore.Weighted
	jobs   chan mergeJob
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	outstanding atomic.Int64
	onMerge     func(MergeResult, error)
	logger      logger.Logger
}

// NewMergeQueue starts the workers. Merges run under a context derived from
// parent; cancelling parent (or calling Abort) aborts merges that have not
// committed yet.
func NewMergeQueue(parent context.Context, store *Store, config QueueConfig) *MergeQueue {
	if config.Depth <= 0 {
		config.Depth = DefaultQueueDepth
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}

	ctx, cancel := context.WithCancel(parent)
	queue := &MergeQueue{
		store:   store,
		depth:   int64(config.Depth),
		sem:     semaphore.NewWeighted(int64(config.Depth)),
		jobs:    make(chan mergeJob, config.Depth),
		group:   &errgroup.Group{},
		ctx:     ctx,
		cancel:  cancel,
		onMerge: config.OnMerge,
		logger:  logger.OrNop(config.Logger),
	}

	for i := 0; i < config.Workers; i++ {
		queue.group.Go(queue.work)
	}
	return queue
}

func (queue *MergeQueue) work() error {
	for job := range queue.jobs {
		result, err := queue.store.MergeDocument(queue.ctx, job.doc, job.page)
		if err != nil {
			queue.logger.Warn("merge failed", "page", job.page, "error", err)
		}
		if queue.onMerge != nil {
			queue.onMerge(result, err)
		}
		queue.outstanding.Add(-1)
		queue.sem.Release(1)
	}
	return nil
}

// Submit queues doc for merging as page. It blocks while the queue is full
// and returns ctx's error if ctx ends first. doc must not be used by the
// caller afterwards.
func (queue *MergeQueue) Submit(ctx context.Context, doc any, page string) error {
	if queue.isClosed() {
		return ErrClosed
	}
	if err := queue.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for merge slot: %w", err)
	}

	queue.mu.RLock()
	defer queue.mu.RUnlock()
	if queue.closed {
		queue.sem.Release(1)
		return ErrClosed
	}

	queue.outstanding.Add(1)
	// Never blocks: the channel holds as many jobs as the semaphore admits.
	queue.jobs <- mergeJob{doc: doc, page: page}
	return nil
}

// Drain waits until every merge submitted before the call has finished.
func (queue *MergeQueue) Drain(ctx context.Context) error {
	if err := queue.sem.Acquire(ctx, queue.depth); err != nil {
		return fmt.Errorf("draining merge queue: %w", err)
	}
	queue.sem.Release(queue.depth)
	return nil
}

// Outstanding returns the number of merges queued or running.
func (queue *MergeQueue) Outstanding() int {
	return int(queue.outstanding.Load())
}

func (queue *MergeQueue) isClosed() bool {
	queue.mu.RLock()
	defer queue.mu.RUnlock()
	return queue.closed
}

// Close stops accepting work and waits for queued merges to finish.
func (queue *MergeQueue) Close() error {
	queue.mu.Lock()
	if !queue.closed {
		queue.closed = true
		close(queue.jobs)
	}
	queue.mu.Unlock()

	err := queue.group.Wait()
	queue.cancel()
	return err
}

// Abort cancels merges that have not committed and then closes the queue.
func (queue *MergeQueue) Abort() error {
	queue.cancel()
	return queue.Close()
}
