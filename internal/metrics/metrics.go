package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics exposes counters/histograms for scheduling operations.
type EngineMetrics struct {
	operationsTotal  *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	reallocations    *prometheus.CounterVec
	lockContention   *prometheus.CounterVec
	expiredTotal     prometheus.Counter
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine operations by outcome",
		}, []string{"operation", "outcome"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scheduling",
			Subsystem: "engine",
			Name:      "operation_latency_seconds",
			Help:      "Latency of engine operations including lock wait",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		reallocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "engine",
			Name:      "reallocation_actions_total",
			Help:      "Per-appointment actions taken by shrink and urgency finalization",
		}, []string{"mode", "action"}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "engine",
			Name:      "lock_contention_total",
			Help:      "Operations rejected because a slot lock was held",
		}, []string{"operation"}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "engine",
			Name:      "expired_appointments_total",
			Help:      "Unconfirmed appointments removed by the expiry sweep",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operationsTotal, m.operationLatency, m.reallocations, m.lockContention, m.expiredTotal)
	return m
}

func (m *EngineMetrics) ObserveOperation(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
	m.operationLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *EngineMetrics) ObserveReallocation(mode, action string) {
	if m == nil {
		return
	}
	m.reallocations.WithLabelValues(mode, action).Inc()
}

func (m *EngineMetrics) ObserveLockContention(operation string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(operation).Inc()
}

func (m *EngineMetrics) ObserveExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredTotal.Add(float64(n))
}

// HTTPMetrics tracks the API surface.
type HTTPMetrics struct {
	requestsTotal  *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scheduling",
			Subsystem: "http",
			Name:      "request_latency_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.requestsTotal, m.requestLatency)
	return m
}

func (m *HTTPMetrics) ObserveRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, route, status).Inc()
	m.requestLatency.WithLabelValues(method, route).Observe(seconds)
}
