package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coolbeans/ldcache/pkg/jsonld"
	"github.com/coolbeans/ldcache/pkg/metrics"
)

// Document is the outcome of FetchDocument. Network and status failures are
// reported here rather than as Go errors.
type Document struct {
	// URI is the canonical document URI.
	URI string `json:"uri"`

	// StatusCode is the HTTP status, 0 when no response was received.
	StatusCode int `json:"status_code"`

	// JSON is the parsed body, private to the caller.
	JSON any `json:"json,omitempty"`

	// Raw is the body as received.
	Raw []byte `json:"-"`

	FromCache bool `json:"from_cache"`
	Attempts  int  `json:"attempts"`

	// Error describes a transport or status failure.
	Error string `json:"error,omitempty"`

	// ParseError is set when the body was not valid JSON.
	ParseError string `json:"parse_error,omitempty"`
}

// OK reports whether the document was retrieved and parsed.
func (doc *Document) OK() bool {
	return doc.StatusCode == http.StatusOK && doc.Error == "" && doc.ParseError == "" && doc.JSON != nil
}

// FetchDocument returns the document at uri, from the document cache when the
// policy allows and a live entry exists, otherwise from the network.
//
// Concurrent calls for the same document (fragments ignored) are serialized,
// and a fetched body is cached before the next caller proceeds, so they
// cause one request. Every parsed document is then queued for merging into
// the graph; the call blocks only while the merge queue is full.
func (client *Client) FetchDocument(ctx context.Context, uri string, policy CachePolicy) (*Document, error) {
	if err := client.checkOpen(); err != nil {
		return nil, err
	}
	canonical, err := canonicalize(uri)
	if err != nil {
		return nil, err
	}

	var doc *Document
	err = client.locker.WithLock(ctx, canonical, func() error {
		var fetchErr error
		doc, fetchErr = client.fetchLocked(ctx, canonical, policy)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}

	if doc.JSON != nil {
		if err := client.entities.Add(ctx, jsonld.DeepCopy(doc.JSON), canonical); err != nil {
			return doc, fmt.Errorf("queueing merge of %s: %w", canonical, err)
		}
	}
	return doc, nil
}

// fetchLocked runs with the URI lock held.
func (client *Client) fetchLocked(ctx context.Context, canonical string, policy CachePolicy) (*Document, error) {
	started := time.Now()

	if policy == CachePolicyDefault {
		if body, ok := client.cache.TryGet(canonical); ok {
			parsed, err := jsonld.Parse(body)
			if err == nil {
				client.metrics.ObserveFetch(metrics.SourceCache, metrics.OutcomeOK, 0, time.Since(started))
				client.logger.Debug("document cache hit", "uri", canonical)
				return &Document{
					URI:        canonical,
					StatusCode: http.StatusOK,
					JSON:       parsed,
					Raw:        body,
					FromCache:  true,
				}, nil
			}
			client.logger.Warn("discarding unreadable cache entry", "uri", canonical, "error", err)
			client.cache.Remove(canonical)
		}
		client.logger.Debug("document cache miss", "uri", canonical)
	}

	response, err := client.fetcher.Get(ctx, canonical)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		URI:        canonical,
		StatusCode: response.StatusCode,
		Attempts:   response.Attempts,
		Error:      response.Error,
	}

	if !response.OK() {
		outcome := metrics.OutcomeStatus
		if response.TransportFailed() {
			outcome = metrics.OutcomeTransport
		}
		client.metrics.ObserveFetch(metrics.SourceNetwork, outcome, response.Attempts, time.Since(started))
		client.logger.Warn("document fetch failed",
			"uri", canonical,
			"status", response.StatusCode,
			"attempts", response.Attempts,
			"error", response.Error)
		return doc, nil
	}

	doc.Raw = response.Body
	parsed, err := jsonld.Parse(response.Body)
	if err != nil {
		doc.ParseError = err.Error()
		client.metrics.ObserveFetch(metrics.SourceNetwork, metrics.OutcomeMalformed, response.Attempts, time.Since(started))
		client.logger.Warn("document is not valid json", "uri", canonical, "error", err)
		return doc, nil
	}
	doc.JSON = parsed

	if policy != CachePolicyNoStore {
		client.cache.Add(canonical, client.config.Cache.TTL, response.Body)
	}
	client.metrics.ObserveFetch(metrics.SourceNetwork, metrics.OutcomeOK, response.Attempts, time.Since(started))
	client.logger.Debug("fetched document", "uri", canonical, "attempts", response.Attempts, "bytes", len(response.Body))
	return doc, nil
}
