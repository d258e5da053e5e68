package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce sync.Once

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	syncSessionsTotal   prometheus.Counter
	recordsBuffered     *prometheus.CounterVec
	bufferBytesTotal    *prometheus.CounterVec
)

// initMetrics registers the collectors once per process; every Server shares
// them.
func initMetrics() {
	metricsOnce.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "morango_http_requests_total",
			Help: "Replication API requests by method and status code.",
		}, []string{"method", "code"})
		httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "morango_http_request_duration_seconds",
			Help:    "Replication API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"})
		syncSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "morango_sync_sessions_created_total",
			Help: "Sync sessions created on this server.",
		})
		recordsBuffered = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "morango_buffer_records_total",
			Help: "Buffered records moved through the API by direction.",
		}, []string{"direction"})
		bufferBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "morango_buffer_bytes_total",
			Help: "Buffer payload bytes moved through the API by direction.",
		}, []string{"direction"})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	initMetrics()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
