// Package transport issues the HTTP GETs behind document fetches: a small
// client interface, a rate-limiting decorator and a retrying Fetcher.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// HTTPClient is an interface matching the Do method of *http.Client.
// This allows injection of mock clients for testing and custom transports.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RateLimitedHTTPClient wraps an HTTPClient and enforces a minimum interval
// between requests. Waiting honours the request context.
type RateLimitedHTTPClient struct {
	underlying      HTTPClient
	requestInterval time.Duration
	nextSlot        time.Time
	mu              sync.Mutex
}

// NewRateLimitedHTTPClient creates a rate-limited HTTP client that enforces
// the given minimum interval between requests.
func NewRateLimitedHTTPClient(underlying HTTPClient, requestInterval time.Duration) *RateLimitedHTTPClient {
	return &RateLimitedHTTPClient{
		underlying:      underlying,
		requestInterval: requestInterval,
	}
}

// Do executes an HTTP request once its slot comes up.
func (rateLimitedClient *RateLimitedHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if rateLimitedClient.requestInterval > 0 {
		if err := rateLimitedClient.wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return rateLimitedClient.underlying.Do(req)
}

// wait reserves the next free slot and sleeps until it starts.
func (rateLimitedClient *RateLimitedHTTPClient) wait(ctx context.Context) error {
	rateLimitedClient.mu.Lock()
	now := time.Now()
	slot := rateLimitedClient.nextSlot
	if slot.Before(now) {
		slot = now
	}
	rateLimitedClient.nextSlot = slot.Add(rateLimitedClient.requestInterval)
	rateLimitedClient.mu.Unlock()

	delay := time.Until(slot)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NewDefaultHTTPClient returns an *http.Client that follows up to 10 redirects.
// Timeouts are applied per attempt by the Fetcher through the request context.
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}
