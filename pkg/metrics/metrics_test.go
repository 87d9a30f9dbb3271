package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder := NewPrometheusRecorder(reg)

	recorder.ObserveFetch(SourceNetwork, OutcomeOK, 2, 10*time.Millisecond)
	recorder.ObserveFetch(SourceCache, OutcomeOK, 0, time.Millisecond)
	recorder.ObserveMerge(OutcomeOK, 7, 1)
	recorder.ObserveEviction(1, 4)
	recorder.SetGraphSize(3, 1)
	recorder.IncLockViolation()

	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.fetchesTotal.WithLabelValues(SourceNetwork, OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.fetchesTotal.WithLabelValues(SourceCache, OutcomeOK)))
	assert.Equal(t, 7.0, testutil.ToFloat64(recorder.triplesAdded))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.triplesReplaced))
	assert.Equal(t, 4.0, testutil.ToFloat64(recorder.evictedTriples))
	assert.Equal(t, 3.0, testutil.ToFloat64(recorder.graphTriples))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.lockViolations))
}

func TestIndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusRecorder(prometheus.NewRegistry())
		NewPrometheusRecorder(prometheus.NewRegistry())
	})
}

func TestNop(t *testing.T) {
	recorder := OrNop(nil)
	assert.NotPanics(t, func() {
		recorder.ObserveFetch(SourceNetwork, OutcomeTransport, 5, time.Second)
		recorder.ObserveLockWait(time.Second)
	})
}
