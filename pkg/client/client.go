// Package client is the public entry point of ldcache. A Client fetches
// JSON-LD documents (at most one request in flight per document), keeps the
// raw bytes in a document cache, merges every document into the entity graph
// in the background and answers entity lookups from that graph.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/coolbeans/ldcache/pkg/config"
	"github.com/coolbeans/ldcache/pkg/doccache"
	"github.com/coolbeans/ldcache/pkg/graph"
	"github.com/coolbeans/ldcache/pkg/jsonld"
	"github.com/coolbeans/ldcache/pkg/logger"
	"github.com/coolbeans/ldcache/pkg/metrics"
	"github.com/coolbeans/ldcache/pkg/rdf"
	"github.com/coolbeans/ldcache/pkg/transport"
	"github.com/coolbeans/ldcache/pkg/urilock"
)

var (
	// ErrEmptyURI is returned for an empty entity or document URI.
	ErrEmptyURI = errors.New("uri is empty")

	// ErrInvalidURI is returned for a URI that is not absolute.
	ErrInvalidURI = errors.New("uri is not absolute")

	// ErrClosed is returned by a Client after Close.
	ErrClosed = errors.New("client is closed")
)

// CachePolicy controls how FetchDocument uses the document cache.
type CachePolicy int

const (
	// CachePolicyDefault reads live entries and stores fetched documents.
	CachePolicyDefault CachePolicy = iota
	// CachePolicyRefresh skips the read but stores the fetched document.
	CachePolicyRefresh
	// CachePolicyNoStore neither reads nor writes the cache.
	CachePolicyNoStore
)

// String implements fmt.Stringer.
func (policy CachePolicy) String() string {
	switch policy {
	case CachePolicyDefault:
		return "default"
	case CachePolicyRefresh:
		return "refresh"
	case CachePolicyNoStore:
		return "no-store"
	default:
		return "unknown"
	}
}

// Options wires a Client. Only Config is consulted for tunables; the other
// fields replace components.
type Options struct {
	// Config holds the tunables. Default: config.DefaultConfig().
	Config *config.Config

	// HTTPClient is the transport. Default: transport.NewDefaultHTTPClient().
	HTTPClient transport.HTTPClient

	// Cache replaces the document cache selected by Config.Cache.
	Cache doccache.Cache

	// Normalizer replaces the JSON-LD reader.
	Normalizer graph.Normalizer

	// OnLockViolation replaces the fatal default for releasing unheld locks.
	OnLockViolation urilock.ViolationHandler

	Logger  logger.Logger
	Metrics metrics.Recorder
}

// Client is safe for concurrent use. Independent Clients share nothing.
type Client struct {
	config     *config.Config
	locker     *urilock.Locker
	cache      doccache.Cache
	fetcher    *transport.Fetcher
	entities   *graph.EntityCache
	identities jsonld.Identities
	logger     logger.Logger
	metrics    metrics.Recorder
	closed     atomic.Bool
}

// New creates a Client. Background merges run until Close, or until ctx is
// cancelled, which aborts merges that have not committed.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.OrNop(opts.Logger)
	recorder := metrics.OrNop(opts.Metrics)

	cache := opts.Cache
	if cache == nil {
		var err error
		cache, err = doccache.New(cfg.Cache.Kind, cfg.Cache.Dir, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create document cache: %w", err)
		}
	}

	identities := jsonld.NewIdentities(cfg.IdentityProperties...)
	normalizer := opts.Normalizer
	if normalizer == nil {
		normalizer = jsonld.NewNormalizer(jsonld.WithIdentityProperties(cfg.IdentityProperties...))
	}

	onViolation := opts.OnLockViolation
	if onViolation == nil {
		onViolation = urilock.PanicOnViolation
	}

	client := &Client{
		config:     cfg,
		cache:      cache,
		identities: identities,
		logger:     log,
		metrics:    recorder,
	}

	client.locker = urilock.New(urilock.Options{
		PollInterval: cfg.LockPollInterval,
		OnViolation: func(key string) {
			recorder.IncLockViolation()
			log.Error("released a uri lock that is not held", "uri", key)
			onViolation(key)
		},
		OnWait: func(key string, waited time.Duration) {
			recorder.ObserveLockWait(waited)
			if waited > cfg.LockPollInterval {
				log.Debug("waited for uri lock", "uri", key, "waited", waited)
			}
		},
	})

	client.fetcher = transport.NewFetcher(transport.FetcherConfig{
		MaxAttempts: cfg.FetchAttempts,
		Timeout:     cfg.FetchTimeout,
		RetryDelay:  cfg.RetryDelay,
		RateLimit:   cfg.RateLimit,
		UserAgent:   cfg.UserAgent,
		HTTPClient:  opts.HTTPClient,
		Logger:      log,
	})

	client.entities = graph.NewEntityCache(ctx,
		graph.StoreConfig{
			MaxTriples: cfg.MaxTriples,
			Normalizer: normalizer,
			Logger:     log,
			Metrics:    recorder,
		},
		graph.QueueConfig{
			Depth:   cfg.MergeQueueDepth,
			Workers: cfg.MergeWorkers,
			Logger:  log,
		})

	return client, nil
}

// Config returns the configuration in use.
func (client *Client) Config() *config.Config {
	return client.config
}

// Store returns the underlying graph store. Reads through it do not wait for
// pending merges; call Drain first.
func (client *Client) Store() *graph.Store {
	return client.entities.Store()
}

// GetEntity waits for pending merges and returns the best known JSON for
// uri, or nil when the graph knows nothing about it.
func (client *Client) GetEntity(ctx context.Context, uri string) (*graph.Entity, error) {
	if err := client.checkOpen(); err != nil {
		return nil, err
	}
	if uri == "" {
		return nil, ErrEmptyURI
	}
	return client.entities.GetEntity(ctx, uri)
}

// FetchNeeded waits for pending merges and decides whether the canonical
// page of entity has to be fetched for the given predicate IRIs.
func (client *Client) FetchNeeded(ctx context.Context, entity string, predicates []string) (graph.FetchDecision, error) {
	if err := client.checkOpen(); err != nil {
		return 0, err
	}
	if entity == "" {
		return 0, ErrEmptyURI
	}
	return client.entities.FetchNeeded(ctx, entity, predicates)
}

// Ensure returns a version of entity that carries the given predicate IRIs
// if they can be known at all. An entity read from its own page is returned
// unchanged. Otherwise the canonical page is fetched only when the graph
// cannot already answer, and the entity is re-resolved from the graph.
// Blank-node entities have no page to fetch and are only re-resolved.
// Missing predicates are not an error: the best available entity is
// returned.
func (client *Client) Ensure(ctx context.Context, entity *graph.Entity, predicates []string) (*graph.Entity, error) {
	if err := client.checkOpen(); err != nil {
		return nil, err
	}
	if entity == nil || entity.URI == "" {
		return nil, ErrEmptyURI
	}
	if entity.IsCanonical() {
		return entity, nil
	}

	fetchable := rdf.IsAbsoluteIRI(rdf.CanonicalURI(entity.URI))
	decision, err := client.entities.FetchNeeded(ctx, entity.URI, predicates)
	if err != nil {
		return entity, err
	}

	if fetchable && decision.ShouldFetch() {
		doc, err := client.FetchDocument(ctx, entity.URI, CachePolicyDefault)
		if err != nil {
			return entity, err
		}
		if !doc.OK() {
			client.logger.Warn("canonical page unavailable",
				"entity", entity.URI,
				"status", doc.StatusCode,
				"error", doc.Error,
				"parse_error", doc.ParseError)
		}
	}

	resolved, err := client.entities.GetEntity(ctx, entity.URI)
	if err != nil {
		return entity, err
	}
	if resolved == nil {
		return entity, nil
	}
	return resolved, nil
}

// EntityIn returns the entity whose identity is uri as it appears in doc,
// or nil if doc does not contain it.
func (client *Client) EntityIn(doc *Document, uri string) *graph.Entity {
	if doc == nil || doc.JSON == nil {
		return nil
	}
	found := client.identities.FindEntity(doc.JSON, uri)
	if found == nil {
		return nil
	}
	return &graph.Entity{URI: uri, Page: doc.URI, JSON: found}
}

// Drain waits for every merge submitted so far.
func (client *Client) Drain(ctx context.Context) error {
	return client.entities.Drain(ctx)
}

// Stats returns the graph store counters.
func (client *Client) Stats() graph.Stats {
	return client.entities.Stats()
}

// WriteNTriples waits for pending merges and writes the graph to w.
func (client *Client) WriteNTriples(ctx context.Context, w io.Writer) error {
	if err := client.checkOpen(); err != nil {
		return err
	}
	return client.entities.WriteNTriples(ctx, w)
}

// Close waits for pending merges and stops the merge workers. Further calls
// return ErrClosed.
func (client *Client) Close() error {
	if !client.closed.CompareAndSwap(false, true) {
		return nil
	}
	return client.entities.Close()
}

func (client *Client) checkOpen() error {
	if client.closed.Load() {
		return ErrClosed
	}
	return nil
}

func canonicalize(uri string) (string, error) {
	canonical := rdf.CanonicalURI(uri)
	if canonical == "" {
		return "", ErrEmptyURI
	}
	if !rdf.IsAbsoluteIRI(canonical) {
		return "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return canonical, nil
}
