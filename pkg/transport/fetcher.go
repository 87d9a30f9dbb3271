package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coolbeans/ldcache/pkg/logger"
	"github.com/coolbeans/ldcache/pkg/retry"
)

// DefaultUserAgent is the User-Agent header sent with document requests.
const DefaultUserAgent = "ldcache/1.0"

// DefaultMaxAttempts is the attempt ceiling for transport-level failures.
const DefaultMaxAttempts = 5

// DefaultTimeout bounds a single attempt.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBodyBytes caps the size of a fetched document.
const DefaultMaxBodyBytes int64 = 32 << 20

// FetcherConfig holds configuration for a Fetcher.
type FetcherConfig struct {
	// MaxAttempts is how many times a transport failure is tried.
	// Default: 5.
	MaxAttempts int

	// Timeout bounds each attempt. Zero means DefaultTimeout; negative disables it.
	Timeout time.Duration

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// RateLimit is the minimum interval between requests. Zero disables limiting.
	RateLimit time.Duration

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// MaxBodyBytes caps the response body. Larger bodies are a transport failure.
	MaxBodyBytes int64

	// HTTPClient is the underlying client. If nil, NewDefaultHTTPClient is used.
	HTTPClient HTTPClient

	Logger logger.Logger
}

// DefaultFetcherConfig returns a FetcherConfig with sensible defaults.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		MaxAttempts:  DefaultMaxAttempts,
		Timeout:      DefaultTimeout,
		UserAgent:    DefaultUserAgent,
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// Response is the outcome of a GET. Failures are reported in the struct, not
// as Go errors: StatusCode is 0 when no response was ever received.
type Response struct {
	URI         string    `json:"uri"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type,omitempty"`
	Body        []byte    `json:"-"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// OK reports whether the server answered 200.
func (response *Response) OK() bool {
	return response.StatusCode == http.StatusOK && response.Error == ""
}

// TransportFailed reports whether no HTTP response was obtained.
func (response *Response) TransportFailed() bool {
	return response.StatusCode == 0 && response.Error != ""
}

// Fetcher performs GET requests, retrying transport failures only.
type Fetcher struct {
	httpClient   HTTPClient
	maxAttempts  int
	timeout      time.Duration
	retryDelay   time.Duration
	userAgent    string
	maxBodyBytes int64
	logger       logger.Logger
}

// NewFetcher creates a Fetcher from config, filling in defaults.
func NewFetcher(config FetcherConfig) *Fetcher {
	underlyingClient := config.HTTPClient
	if underlyingClient == nil {
		underlyingClient = NewDefaultHTTPClient()
	}
	if config.RateLimit > 0 {
		underlyingClient = NewRateLimitedHTTPClient(underlyingClient, config.RateLimit)
	}

	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	maxBodyBytes := config.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}

	return &Fetcher{
		httpClient:   underlyingClient,
		maxAttempts:  maxAttempts,
		timeout:      timeout,
		retryDelay:   config.RetryDelay,
		userAgent:    userAgent,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.OrNop(config.Logger),
	}
}

// statusResult carries a received HTTP answer out of a retry attempt.
type statusResult struct {
	statusCode  int
	contentType string
	body        []byte
	tooLarge    bool
}

// Get fetches uri. A non-200 status ends the attempts immediately; network
// errors, timeouts and truncated bodies are retried up to the ceiling.
// The returned error is non-nil only when ctx itself is done.
func (fetcher *Fetcher) Get(ctx context.Context, uri string) (*Response, error) {
	response := &Response{URI: uri}

	result, attempts, err := retry.WithContext(ctx, retry.Options{
		MaxTries: fetcher.maxAttempts,
		Delay:    fetcher.retryDelay,
		OnRetry: func(attempt int, err error) {
			fetcher.logger.Warn("fetch attempt failed, retrying", "uri", uri, "attempt", attempt, "err", err)
		},
	}, func(ctx context.Context) (statusResult, error) {
		return fetcher.attempt(ctx, uri)
	})

	response.Attempts = attempts
	response.FetchedAt = time.Now()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("fetching %s: %w", uri, ctxErr)
		}
		response.Error = err.Error()
		return response, nil
	}

	response.StatusCode = result.statusCode
	response.ContentType = result.contentType
	if result.statusCode != http.StatusOK {
		response.Error = fmt.Sprintf("unexpected HTTP status %d", result.statusCode)
		return response, nil
	}
	if result.tooLarge {
		response.Error = fmt.Sprintf("response body exceeds %d bytes", fetcher.maxBodyBytes)
		return response, nil
	}
	response.Body = result.body
	return response, nil
}

// attempt performs a single GET. It returns an error only for transport failures.
func (fetcher *Fetcher) attempt(ctx context.Context, uri string) (statusResult, error) {
	if fetcher.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fetcher.timeout)
		defer cancel()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return statusResult{}, fmt.Errorf("failed to create request for %s: %w", uri, err)
	}
	request.Header.Set("User-Agent", fetcher.userAgent)
	request.Header.Set("Accept", "application/ld+json, application/json;q=0.9")

	response, err := fetcher.httpClient.Do(request)
	if err != nil {
		return statusResult{}, fmt.Errorf("failed to fetch %s: %w", uri, err)
	}
	defer response.Body.Close()

	result := statusResult{
		statusCode:  response.StatusCode,
		contentType: response.Header.Get("Content-Type"),
	}
	if response.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 64<<10))
		return result, nil
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, fetcher.maxBodyBytes+1))
	if err != nil {
		return statusResult{}, fmt.Errorf("failed to read body of %s: %w", uri, err)
	}
	if int64(len(body)) > fetcher.maxBodyBytes {
		result.tooLarge = true
		return result, nil
	}
	result.body = body
	return result, nil
}
