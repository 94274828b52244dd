package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestEngineMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEngineMetrics(reg)

	m.ObserveOperation("book", "ok", 0.01)
	m.ObserveOperation("book", "conflict", 0.02)
	m.ObserveReallocation("wave", "retained-in-wave")
	m.ObserveLockContention("shrink")
	m.ObserveExpired(3)
	m.ObserveExpired(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("book", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("book", "conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reallocations.WithLabelValues("wave", "retained-in-wave")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockContention.WithLabelValues("shrink")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.expiredTotal))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *EngineMetrics
	m.ObserveOperation("book", "ok", 1)
	m.ObserveReallocation("stream", "moved-to-buffer")
	m.ObserveLockContention("book")
	m.ObserveExpired(1)

	var h *HTTPMetrics
	h.ObserveRequest("GET", "/health/live", "200", 0.001)
}

func TestHTTPMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewHTTPMetrics(reg)
	h.ObserveRequest("POST", "/appointments", "201", 0.05)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.requestsTotal.WithLabelValues("POST", "/appointments", "201")))
}
