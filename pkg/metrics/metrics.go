// Package metrics exposes Prometheus instrumentation for the HTTP surface,
// the database pool and the scheduler's run outcomes.
package metrics

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// register adds a collector to the default registry, reusing the existing
// collector when an identical one is already registered (tests construct
// servers repeatedly in one process).
func register[C prometheus.Collector](c C) C {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(C)
		}
		panic(err)
	}
	return c
}

// HTTPMetrics instruments inbound requests.
type HTTPMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewHTTPMetrics(service string) *HTTPMetrics {
	return &HTTPMetrics{
		requestsTotal: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: service,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"})),
		requestDuration: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: service,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"})),
	}
}

// HTTPMiddleware records count and latency for every request.
func (m *HTTPMetrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		m.requestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// DatabaseMetrics mirrors sql.DBStats into gauges.
type DatabaseMetrics struct {
	openConnections prometheus.Gauge
	inUse           prometheus.Gauge
	idle            prometheus.Gauge
	waitCount       prometheus.Gauge
}

func NewDatabaseMetrics(service string) *DatabaseMetrics {
	gauge := func(name, help string) prometheus.Gauge {
		return register(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: service,
			Subsystem: "db",
			Name:      name,
			Help:      help,
		}))
	}
	return &DatabaseMetrics{
		openConnections: gauge("open_connections", "Open connections in the pool."),
		inUse:           gauge("connections_in_use", "Connections currently in use."),
		idle:            gauge("connections_idle", "Idle connections in the pool."),
		waitCount:       gauge("wait_count", "Total connection waits."),
	}
}

// UpdateDBStats refreshes the gauges from the pool's current stats.
func (m *DatabaseMetrics) UpdateDBStats(db *sql.DB) {
	stats := db.Stats()
	m.openConnections.Set(float64(stats.OpenConnections))
	m.inUse.Set(float64(stats.InUse))
	m.idle.Set(float64(stats.Idle))
	m.waitCount.Set(float64(stats.WaitCount))
}

// SchedulerMetrics counts run outcomes and observes run durations.
type SchedulerMetrics struct {
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
}

func NewSchedulerMetrics(service string) *SchedulerMetrics {
	return &SchedulerMetrics{
		runsTotal: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: service,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Job runs by job type and terminal status.",
		}, []string{"job_type", "status"})),
		runDuration: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: service,
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Job run duration by job type.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"job_type"})),
	}
}

// ObserveRun records one terminal run.
func (m *SchedulerMetrics) ObserveRun(jobType, status string, took time.Duration) {
	m.runsTotal.WithLabelValues(jobType, status).Inc()
	m.runDuration.WithLabelValues(jobType).Observe(took.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
