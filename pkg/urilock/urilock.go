// Package urilock provides mutual exclusion keyed by canonical URI so that
// concurrent requests for the same remote document collapse into one fetch.
//
// A Locker is an ordinary value owned by its caller; independent Lockers never
// contend with each other.
package urilock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coolbeans/ldcache/pkg/rdf"
)

// DefaultPollInterval is the sleep between acquisition attempts.
const DefaultPollInterval = 100 * time.Millisecond

// ErrEmptyKey is returned when acquiring a lock for an empty URI.
var ErrEmptyKey = errors.New("uri lock key is empty")

// ViolationHandler is invoked when a lock that is not held gets released.
type ViolationHandler func(key string)

// Options configures a Locker.
type Options struct {
	// PollInterval is how long Acquire sleeps between attempts.
	// Default: 100ms.
	PollInterval time.Duration

	// OnViolation handles releases of locks that are not held.
	// Default: panic.
	OnViolation ViolationHandler

	// OnWait, when set, is called with the time a caller spent waiting
	// for a lock that was initially busy.
	OnWait func(key string, waited time.Duration)
}

// Locker hands out per-URI locks. The zero value is not usable; call New.
type Locker struct {
	held         sync.Map // canonical key -> token
	nextToken    atomic.Uint64
	pollInterval time.Duration
	onViolation  ViolationHandler
	onWait       func(key string, waited time.Duration)
}

// Guard is a held lock. Release must be called exactly once.
type Guard struct {
	Key string

	locker *Locker
	token  uint64
}

// New creates a Locker.
func New(opts Options) *Locker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.OnViolation == nil {
		opts.OnViolation = PanicOnViolation
	}
	return &Locker{
		pollInterval: opts.PollInterval,
		onViolation:  opts.OnViolation,
		onWait:       opts.OnWait,
	}
}

// PanicOnViolation is the default ViolationHandler.
func PanicOnViolation(key string) {
	panic(fmt.Sprintf("urilock: released lock %q that is not held", key))
}

// Acquire blocks until the lock for uri is held or ctx is done.
// The fragment of uri is ignored, so doc#a and doc#b share one lock.
func (locker *Locker) Acquire(ctx context.Context, uri string) (*Guard, error) {
	key := rdf.CanonicalURI(uri)
	if key == "" {
		return nil, ErrEmptyKey
	}

	token := locker.nextToken.Add(1)
	var waitStart time.Time

	for {
		if _, loaded := locker.held.LoadOrStore(key, token); !loaded {
			break
		}
		if waitStart.IsZero() {
			waitStart = time.Now()
		}
		if err := sleep(ctx, locker.pollInterval); err != nil {
			return nil, fmt.Errorf("waiting for lock %s: %w", key, err)
		}
	}

	if !waitStart.IsZero() && locker.onWait != nil {
		locker.onWait(key, time.Since(waitStart))
	}

	return &Guard{Key: key, locker: locker, token: token}, nil
}

// TryAcquire takes the lock for uri if it is free and reports whether it did.
func (locker *Locker) TryAcquire(uri string) (*Guard, bool) {
	key := rdf.CanonicalURI(uri)
	if key == "" {
		return nil, false
	}
	token := locker.nextToken.Add(1)
	if _, loaded := locker.held.LoadOrStore(key, token); loaded {
		return nil, false
	}
	return &Guard{Key: key, locker: locker, token: token}, true
}

// WithLock runs fn while holding the lock for uri. The lock is released on
// every exit path, including a panic inside fn.
func (locker *Locker) WithLock(ctx context.Context, uri string, fn func() error) error {
	guard, err := locker.Acquire(ctx, uri)
	if err != nil {
		return err
	}
	defer guard.Release()
	return fn()
}

// Held reports whether the lock for uri is currently held by anyone.
func (locker *Locker) Held(uri string) bool {
	_, ok := locker.held.Load(rdf.CanonicalURI(uri))
	return ok
}

// Release gives the lock back. Releasing twice, or releasing a guard whose
// lock is no longer held, is a lock-discipline violation.
func (guard *Guard) Release() {
	if !guard.locker.held.CompareAndDelete(guard.Key, guard.token) {
		guard.locker.onViolation(guard.Key)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
