package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coolbeans/ldcache/pkg/config"
	"github.com/coolbeans/ldcache/pkg/doccache"
	"github.com/coolbeans/ldcache/pkg/graph"
	"github.com/coolbeans/ldcache/pkg/metrics"
)

const vocab = "http://schema.test#"

// catalog serves JSON-LD documents by path and counts requests per path.
type catalog struct {
	server *httptest.Server
	mu     sync.Mutex
	docs   map[string]string
	status map[string]int
	hits   map[string]*atomic.Int32
	delay  time.Duration
}

func newCatalog(t *testing.T) *catalog {
	t.Helper()
	c := &catalog{
		docs:   make(map[string]string),
		status: make(map[string]int),
		hits:   make(map[string]*atomic.Int32),
	}
	c.server = httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(c.server.Close)
	return c
}

func (c *catalog) serve(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	counter := c.counter(r.URL.Path)
	body, ok := c.docs[r.URL.Path]
	status := c.status[r.URL.Path]
	delay := c.delay
	c.mu.Unlock()

	counter.Add(1)
	if delay > 0 {
		time.Sleep(delay)
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/ld+json")
	_, _ = w.Write([]byte(body))
}

func (c *catalog) counter(path string) *atomic.Int32 {
	counter, ok := c.hits[path]
	if !ok {
		counter = &atomic.Int32{}
		c.hits[path] = counter
	}
	return counter
}

// add registers a document; "{base}" in body is replaced by the server URL.
func (c *catalog) add(path, body string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[path] = strings.ReplaceAll(body, "{base}", c.server.URL)
	return c.server.URL + path
}

func (c *catalog) fail(path string, status int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[path] = status
	return c.server.URL + path
}

func (c *catalog) requests(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.counter(path).Load())
}

type violations struct {
	count atomic.Int32
}

func (v *violations) handle(string) { v.count.Add(1) }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.LockPollInterval = 2 * time.Millisecond
	cfg.FetchAttempts = 2
	cfg.FetchTimeout = 2 * time.Second
	return cfg
}

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig()
	}
	client, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

const pageAJSON = `{
	"@context": {"@vocab": "http://schema.test#"},
	"@id": "{base}/a",
	"related": {"@id": "{base}/e", "p1": "one"}
}`

const pageEJSON = `{
	"@context": {"@vocab": "http://schema.test#"},
	"@id": "{base}/e",
	"p1": "one",
	"p2": "two",
	"p3": "three"
}`

func TestFetchDocument_NetworkThenCache(t *testing.T) {
	catalog := newCatalog(t)
	uri := catalog.add("/e", pageEJSON)
	client := newTestClient(t, Options{})
	ctx := context.Background()

	doc, err := client.FetchDocument(ctx, uri+"#fragment", CachePolicyDefault)
	require.NoError(t, err)
	assert.True(t, doc.OK())
	assert.Equal(t, uri, doc.URI)
	assert.False(t, doc.FromCache)
	assert.Equal(t, 1, doc.Attempts)

	again, err := client.FetchDocument(ctx, uri, CachePolicyDefault)
	require.NoError(t, err)
	assert.True(t, again.FromCache)
	assert.Equal(t, 1, catalog.requests("/e"))

	entity, err := client.GetEntity(ctx, uri)
	require.NoError(t, err)
	require.NotNil(t, entity)
	assert.Equal(t, uri, entity.Page)
	assert.Equal(t, "three", entity.JSON["p3"])
}

func TestFetchDocument_ConcurrentCallsFetchOnce(t *testing.T) {
	catalog := newCatalog(t)
	catalog.delay = 50 * time.Millisecond
	uri := catalog.add("/e", pageEJSON)

	cache := doccache.NewMemoryCache()
	recorder := &violations{}
	client := newTestClient(t, Options{Cache: cache, OnLockViolation: recorder.handle})

	const callers = 10
	var wg sync.WaitGroup
	var fromCache atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc, err := client.FetchDocument(context.Background(), fmt.Sprintf("%s#part%d", uri, i), CachePolicyDefault)
			if assert.NoError(t, err) && assert.True(t, doc.OK()) && doc.FromCache {
				fromCache.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, catalog.requests("/e"), "exactly one network fetch")
	assert.Equal(t, int32(callers-1), fromCache.Load())
	assert.Equal(t, 1, cache.Len(), "exactly one cache entry")
	assert.Equal(t, int32(0), recorder.count.Load(), "no lock-discipline violations")

	require.NoError(t, client.Drain(context.Background()))
	assert.Equal(t, 1, client.Stats().Pages)
}

func TestFetchDocument_StatusErrorNotRetried(t *testing.T) {
	catalog := newCatalog(t)
	uri := catalog.fail("/gone", http.StatusGone)
	cache := doccache.NewMemoryCache()
	client := newTestClient(t, Options{Cache: cache})

	doc, err := client.FetchDocument(context.Background(), uri, CachePolicyDefault)
	require.NoError(t, err)
	assert.False(t, doc.OK())
	assert.Equal(t, http.StatusGone, doc.StatusCode)
	assert.Contains(t, doc.Error, "410")
	assert.Nil(t, doc.JSON)
	assert.Equal(t, 1, catalog.requests("/gone"))
	assert.Equal(t, 0, cache.Len())

	require.NoError(t, client.Drain(context.Background()))
	assert.Equal(t, 0, client.Stats().Pages)
}

func TestFetchDocument_TransportFailureIsData(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	uri := server.URL + "/down"
	server.Close()

	client := newTestClient(t, Options{})
	doc, err := client.FetchDocument(context.Background(), uri, CachePolicyDefault)
	require.NoError(t, err)
	assert.Equal(t, 0, doc.StatusCode)
	assert.NotEmpty(t, doc.Error)
	assert.Equal(t, 2, doc.Attempts)
}

func TestFetchDocument_MalformedJSONNotCached(t *testing.T) {
	catalog := newCatalog(t)
	uri := catalog.add("/broken", `{"@id": `)
	cache := doccache.NewMemoryCache()
	client := newTestClient(t, Options{Cache: cache})

	doc, err := client.FetchDocument(context.Background(), uri, CachePolicyDefault)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, doc.StatusCode)
	assert.NotEmpty(t, doc.ParseError)
	assert.False(t, doc.OK())
	assert.Equal(t, []byte(`{"@id": `), doc.Raw)
	assert.Equal(t, 0, cache.Len())

	_, err = client.FetchDocument(context.Background(), uri, CachePolicyDefault)
	require.NoError(t, err)
	assert.Equal(t, 2, catalog.requests("/broken"))
}

func TestFetchDocument_InvalidJSONLDCachedButNotMerged(t *testing.T) {
	catalog := newCatalog(t)
	uri := catalog.add("/list", `[{"@id": "{base}/x"}]`)
	cache := doccache.NewMemoryCache()
	client := newTestClient(t, Options{Cache: cache})

	doc, err := client.FetchDocument(context.Background(), uri, CachePolicyDefault)
	require.NoError(t, err)
	assert.True(t, doc.OK())
	assert.Equal(t, 1, cache.Len())

	require.NoError(t, client.Drain(context.Background()))
	stats := client.Stats()
	assert.Equal(t, 0, stats.Pages)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestFetchDocument_CachePolicies(t *testing.T) {
	catalog := newCatalog(t)
	uri := catalog.add("/e", pageEJSON)
	other := catalog.add("/other", `{"@id": "{base}/other", "http://schema.test#n": 1}`)
	cache := doccache.NewMemoryCache()
	client := newTestClient(t, Options{Cache: cache})
	ctx := context.Background()

	_, err := client.FetchDocument(ctx, uri, CachePolicyDefault)
	require.NoError(t, err)

	doc, err := client.FetchDocument(ctx, uri, CachePolicyRefresh)
	require.NoError(t, err)
	assert.False(t, doc.FromCache)
	assert.Equal(t, 2, catalog.requests("/e"))

	doc, err = client.FetchDocument(ctx, other, CachePolicyNoStore)
	require.NoError(t, err)
	assert.True(t, doc.OK())
	_, cached := cache.TryGet(other)
	assert.False(t, cached)
	assert.Equal(t, 1, cache.Len())
}

func TestFetchDocument_ReturnsPrivateCopy(t *testing.T) {
	catalog := newCatalog(t)
	uri := catalog.add("/e", pageEJSON)
	client := newTestClient(t, Options{})
	ctx := context.Background()

	doc, err := client.FetchDocument(ctx, uri, CachePolicyDefault)
	require.NoError(t, err)
	doc.JSON.(map[string]any)["p3"] = "mutated"

	entity, err := client.GetEntity(ctx, uri)
	require.NoError(t, err)
	require.NotNil(t, entity)
	assert.Equal(t, "three", entity.JSON["p3"])

	cached, err := client.FetchDocument(ctx, uri, CachePolicyDefault)
	require.NoError(t, err)
	assert.Equal(t, "three", cached.JSON.(map[string]any)["p3"])
}

func TestFetchDocument_InvalidInput(t *testing.T) {
	client := newTestClient(t, Options{})
	ctx := context.Background()

	_, err := client.FetchDocument(ctx, "", CachePolicyDefault)
	assert.ErrorIs(t, err, ErrEmptyURI)

	_, err = client.FetchDocument(ctx, "relative/path", CachePolicyDefault)
	assert.ErrorIs(t, err, ErrInvalidURI)

	require.NoError(t, client.Close())
	_, err = client.FetchDocument(ctx, "http://test/doc", CachePolicyDefault)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = client.GetEntity(ctx, "http://test/doc")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEnsure_FetchesCanonicalPage(t *testing.T) {
	catalog := newCatalog(t)
	pageA := catalog.add("/a", pageAJSON)
	entityURI := catalog.add("/e", pageEJSON)
	client := newTestClient(t, Options{})
	ctx := context.Background()

	docA, err := client.FetchDocument(ctx, pageA, CachePolicyDefault)
	require.NoError(t, err)

	token := client.EntityIn(docA, entityURI)
	require.NotNil(t, token)
	assert.Equal(t, pageA, token.Page)
	assert.False(t, token.IsCanonical())

	required := []string{vocab + "p1", vocab + "p2"}
	decision, err := client.FetchNeeded(ctx, entityURI, required)
	require.NoError(t, err)
	assert.Equal(t, graph.MustFetch, decision)

	ensured, err := client.Ensure(ctx, token, required)
	require.NoError(t, err)
	assert.Equal(t, entityURI, ensured.Page)
	assert.Equal(t, "two", ensured.JSON["p2"])
	assert.Equal(t, 1, catalog.requests("/e"))

	decision, err = client.FetchNeeded(ctx, entityURI, required)
	require.NoError(t, err)
	assert.Equal(t, graph.AlreadyCanonical, decision)
}

func TestEnsure_SufficientWithoutFetch(t *testing.T) {
	catalog := newCatalog(t)
	pageA := catalog.add("/a", pageAJSON)
	entityURI := catalog.add("/e", pageEJSON)
	client := newTestClient(t, Options{})
	ctx := context.Background()

	docA, err := client.FetchDocument(ctx, pageA, CachePolicyDefault)
	require.NoError(t, err)

	ensured, err := client.Ensure(ctx, client.EntityIn(docA, entityURI), []string{vocab + "p1"})
	require.NoError(t, err)
	assert.Equal(t, pageA, ensured.Page)
	assert.Equal(t, "one", ensured.JSON["p1"])
	assert.Equal(t, 0, catalog.requests("/e"))
}

func TestEnsure_BlankNodeEntity(t *testing.T) {
	catalog := newCatalog(t)
	anonURI := catalog.add("/anon", `{"@context": {"@vocab": "http://schema.test#"}, "p1": "one"}`)
	client := newTestClient(t, Options{})
	ctx := context.Background()

	_, err := client.FetchDocument(ctx, anonURI, CachePolicyDefault)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, client.WriteNTriples(ctx, &out))
	minted, _, found := strings.Cut(strings.TrimSpace(out.String()), " ")
	require.True(t, found)
	require.True(t, strings.HasPrefix(minted, "_:"))

	entity, err := client.GetEntity(ctx, minted)
	require.NoError(t, err)
	require.NotNil(t, entity)

	ensured, err := client.Ensure(ctx, entity, []string{vocab + "p2"})
	require.NoError(t, err)
	assert.Equal(t, "one", ensured.JSON["p1"])
	assert.Equal(t, 1, catalog.requests("/anon"))

	unknown := &graph.Entity{URI: "_:missing"}
	ensured, err = client.Ensure(ctx, unknown, []string{vocab + "p2"})
	require.NoError(t, err)
	assert.Same(t, unknown, ensured)
}

func TestFetchDocument_ReleasesLockAfterPanic(t *testing.T) {
	catalog := newCatalog(t)
	entityURI := catalog.add("/e", pageEJSON)
	client := newTestClient(t, Options{HTTPClient: &panicOnceClient{next: http.DefaultClient}})

	assert.Panics(t, func() {
		_, _ = client.FetchDocument(context.Background(), entityURI, CachePolicyDefault)
	})
	assert.False(t, client.locker.Held(entityURI))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	doc, err := client.FetchDocument(ctx, entityURI, CachePolicyDefault)
	require.NoError(t, err)
	assert.True(t, doc.OK())
	assert.Equal(t, 1, catalog.requests("/e"))
}

// panicOnceClient panics on its first request and delegates afterwards.
type panicOnceClient struct {
	panicked atomic.Bool
	next     *http.Client
}

func (c *panicOnceClient) Do(req *http.Request) (*http.Response, error) {
	if c.panicked.CompareAndSwap(false, true) {
		panic("transport exploded")
	}
	return c.next.Do(req)
}

func TestEnsure_CanonicalTokenUnchanged(t *testing.T) {
	catalog := newCatalog(t)
	entityURI := catalog.add("/e", pageEJSON)
	client := newTestClient(t, Options{})
	ctx := context.Background()

	doc, err := client.FetchDocument(ctx, entityURI, CachePolicyDefault)
	require.NoError(t, err)
	token := client.EntityIn(doc, entityURI)
	require.True(t, token.IsCanonical())

	ensured, err := client.Ensure(ctx, token, []string{vocab + "missing"})
	require.NoError(t, err)
	assert.Same(t, token, ensured)
	assert.Equal(t, 1, catalog.requests("/e"))
}

func TestEnsure_UnavailablePageReturnsBestEffort(t *testing.T) {
	catalog := newCatalog(t)
	pageA := catalog.add("/a", pageAJSON)
	catalog.fail("/e", http.StatusInternalServerError)
	client := newTestClient(t, Options{})
	ctx := context.Background()

	docA, err := client.FetchDocument(ctx, pageA, CachePolicyDefault)
	require.NoError(t, err)
	entityURI := catalog.server.URL + "/e"

	ensured, err := client.Ensure(ctx, client.EntityIn(docA, entityURI), []string{vocab + "p2"})
	require.NoError(t, err)
	require.NotNil(t, ensured)
	assert.Equal(t, pageA, ensured.Page)
	assert.Equal(t, 1, catalog.requests("/e"))

	_, err = client.Ensure(ctx, nil, nil)
	assert.ErrorIs(t, err, ErrEmptyURI)
}

func TestEnsure_UnknownEntityToken(t *testing.T) {
	catalog := newCatalog(t)
	entityURI := catalog.add("/e", pageEJSON)
	client := newTestClient(t, Options{})

	ensured, err := client.Ensure(context.Background(), &graph.Entity{URI: entityURI}, []string{vocab + "p1"})
	require.NoError(t, err)
	assert.True(t, ensured.IsCanonical())
	assert.Equal(t, "one", ensured.JSON["p1"])
}

func TestWriteNTriples(t *testing.T) {
	catalog := newCatalog(t)
	entityURI := catalog.add("/e", pageEJSON)
	client := newTestClient(t, Options{})
	ctx := context.Background()

	_, err := client.FetchDocument(ctx, entityURI, CachePolicyDefault)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, client.WriteNTriples(ctx, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, out.String(), fmt.Sprintf(`<%s> <%sp2> "two" .`, entityURI, vocab))
}

func TestClient_Metrics(t *testing.T) {
	catalog := newCatalog(t)
	entityURI := catalog.add("/e", pageEJSON)
	registry := prometheus.NewRegistry()
	client := newTestClient(t, Options{Metrics: metrics.NewPrometheusRecorder(registry)})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.FetchDocument(ctx, entityURI, CachePolicyDefault)
		require.NoError(t, err)
	}
	require.NoError(t, client.Drain(ctx))

	assert.Equal(t, 1.0, counterValue(t, registry, "ldcache_fetches_total", "network"))
	assert.Equal(t, 1.0, counterValue(t, registry, "ldcache_fetches_total", "cache"))
}

// counterValue sums the counter series of name that carry labelValue.
func counterValue(t *testing.T, registry *prometheus.Registry, name, labelValue string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)

	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetValue() == labelValue {
					total += metric.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxTriples = 0
	_, err := New(context.Background(), Options{Config: cfg})
	assert.Error(t, err)
}

func TestIndependentClients(t *testing.T) {
	catalog := newCatalog(t)
	entityURI := catalog.add("/e", pageEJSON)
	first := newTestClient(t, Options{})
	second := newTestClient(t, Options{})
	ctx := context.Background()

	_, err := first.FetchDocument(ctx, entityURI, CachePolicyDefault)
	require.NoError(t, err)

	entity, err := second.GetEntity(ctx, entityURI)
	require.NoError(t, err)
	assert.Nil(t, entity)
	assert.Equal(t, 0, second.Stats().Pages)
}
