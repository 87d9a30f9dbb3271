// Package metrics provides Prometheus-based instrumentation for the document
// fetch path, the graph store and the URI lock.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives instrumentation events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveFetch(source, outcome string, attempts int, duration time.Duration)
	ObserveMerge(outcome string, added, replaced int)
	ObserveEviction(pages, triples int)
	SetGraphSize(triples, pages int)
	ObserveLockWait(duration time.Duration)
	IncLockViolation()
}

// Fetch sources.
const (
	SourceNetwork = "network"
	SourceCache   = "cache"
)

// Fetch and merge outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeStatus    = "status_error"
	OutcomeTransport = "transport_error"
	OutcomeMalformed = "malformed"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeCancelled = "cancelled"
)

// Nop returns a Recorder that ignores every event.
func Nop() Recorder {
	return nopRecorder{}
}

type nopRecorder struct{}

func (nopRecorder) ObserveFetch(string, string, int, time.Duration) {}
func (nopRecorder) ObserveMerge(string, int, int)                   {}
func (nopRecorder) ObserveEviction(int, int)                        {}
func (nopRecorder) SetGraphSize(int, int)                           {}
func (nopRecorder) ObserveLockWait(time.Duration)                   {}
func (nopRecorder) IncLockViolation()                               {}

// OrNop returns r, or a no-op recorder when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop()
	}
	return r
}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	fetchesTotal    *prometheus.CounterVec
	fetchAttempts   prometheus.Histogram
	fetchDuration   *prometheus.HistogramVec
	mergesTotal     *prometheus.CounterVec
	triplesAdded    prometheus.Counter
	triplesReplaced prometheus.Counter
	evictedPages    prometheus.Counter
	evictedTriples  prometheus.Counter
	graphTriples    prometheus.Gauge
	graphPages      prometheus.Gauge
	lockWait        prometheus.Histogram
	lockViolations  prometheus.Counter
}

// NewPrometheusRecorder registers the ldcache metrics with reg. Passing a
// dedicated registry per client allows several caches in one process.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		fetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldcache_fetches_total",
				Help: "Documents served by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		fetchAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ldcache_fetch_attempts",
				Help:    "Network attempts per document fetch",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),
		fetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ldcache_fetch_duration_seconds",
				Help:    "Time to serve a document, including lock wait",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		mergesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldcache_merges_total",
				Help: "Document merges into the graph by outcome",
			},
			[]string{"outcome"},
		),
		triplesAdded: factory.NewCounter(prometheus.CounterOpts{
			Name: "ldcache_triples_added_total",
			Help: "Triples inserted by merges",
		}),
		triplesReplaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "ldcache_triples_replaced_total",
			Help: "Non-authoritative triples replaced by authoritative copies",
		}),
		evictedPages: factory.NewCounter(prometheus.CounterOpts{
			Name: "ldcache_evicted_pages_total",
			Help: "Pages evicted from the graph",
		}),
		evictedTriples: factory.NewCounter(prometheus.CounterOpts{
			Name: "ldcache_evicted_triples_total",
			Help: "Triples removed by page eviction",
		}),
		graphTriples: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ldcache_graph_triples",
			Help: "Triples currently held in the graph",
		}),
		graphPages: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ldcache_graph_pages",
			Help: "Pages currently merged into the graph",
		}),
		lockWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ldcache_lock_wait_seconds",
			Help:    "Time spent waiting for a busy URI lock",
			Buckets: prometheus.DefBuckets,
		}),
		lockViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "ldcache_lock_violations_total",
			Help: "Releases of URI locks that were not held",
		}),
	}
}

// ObserveFetch records one served document.
func (p *PrometheusRecorder) ObserveFetch(source, outcome string, attempts int, duration time.Duration) {
	p.fetchesTotal.WithLabelValues(source, outcome).Inc()
	if source == SourceNetwork {
		p.fetchAttempts.Observe(float64(attempts))
	}
	p.fetchDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveMerge records one merge attempt.
func (p *PrometheusRecorder) ObserveMerge(outcome string, added, replaced int) {
	p.mergesTotal.WithLabelValues(outcome).Inc()
	p.triplesAdded.Add(float64(added))
	p.triplesReplaced.Add(float64(replaced))
}

// ObserveEviction records pages removed by one eviction pass.
func (p *PrometheusRecorder) ObserveEviction(pages, triples int) {
	p.evictedPages.Add(float64(pages))
	p.evictedTriples.Add(float64(triples))
}

// SetGraphSize publishes the current graph size.
func (p *PrometheusRecorder) SetGraphSize(triples, pages int) {
	p.graphTriples.Set(float64(triples))
	p.graphPages.Set(float64(pages))
}

// ObserveLockWait records time spent blocked on a busy URI lock.
func (p *PrometheusRecorder) ObserveLockWait(duration time.Duration) {
	p.lockWait.Observe(duration.Seconds())
}

// IncLockViolation counts a lock-discipline violation.
func (p *PrometheusRecorder) IncLockViolation() {
	p.lockViolations.Inc()
}
