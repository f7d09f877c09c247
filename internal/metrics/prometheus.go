// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

const namespace = "leasekeeper"

var (
	// LockOperations tracks store operations by operation and result.
	// Result is one of "ok", "stale", "not_found" or "error".
	LockOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_operations_total",
			Help:      "Total lock store operations by operation and result",
		},
		[]string{"backend", "operation", "result"},
	)

	// LockAcquireWait tracks how long callers waited for a key to become free.
	LockAcquireWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_acquire_wait_seconds",
			Help:      "Time spent waiting for a lock to become available",
			Buckets:   []float64{.0001, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"backend"},
	)

	// LocksHeld tracks the number of currently held leases.
	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locks_held",
			Help:      "Current number of held leases",
		},
	)

	// LeasesExpired tracks leases released by the expiration scheduler.
	LeasesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_expired_total",
			Help:      "Total leases released because their duration elapsed",
		},
	)

	// RecordsPruned tracks lock records removed by cleanup.
	RecordsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_records_pruned_total",
			Help:      "Total idle lock records removed by cleanup",
		},
	)

	// SchedulerEntries tracks the number of entries merged into the expiration schedule.
	SchedulerEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_entries",
			Help:      "Current number of scheduled expirations",
		},
	)

	// SchedulerFired tracks expiration callbacks invoked by the scheduler.
	SchedulerFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_fired_total",
			Help:      "Total expiration callbacks fired",
		},
	)

	// SchedulerActionPanics tracks expiration callbacks that panicked.
	SchedulerActionPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_action_panics_total",
			Help:      "Total expiration callbacks that panicked",
		},
	)

	// MultiLockAcquires tracks multi-key acquisitions by result.
	MultiLockAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "multilock_acquires_total",
			Help:      "Total multi-key lock acquisitions by result",
		},
		[]string{"result"},
	)

	// MultiLockRollbacks tracks keys released while rolling back a failed multi-key acquisition.
	MultiLockRollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "multilock_rollback_keys_total",
			Help:      "Total keys released during multi-key acquisition rollback",
		},
	)

	// HTTPRequestsTotal tracks total HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// GRPCRequestsTotal tracks total gRPC requests.
	GRPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total gRPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	// GRPCRequestDuration tracks gRPC request duration.
	GRPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// RegisterMetricsEndpoint serves the Prometheus handler at path.
func RegisterMetricsEndpoint(router gin.IRoutes, path string) {
	router.GET(path, gin.WrapH(promhttp.Handler()))
}

// RecordLockOperation records a lock store operation outcome.
func RecordLockOperation(backend, operation, result string) {
	LockOperations.WithLabelValues(backend, operation, result).Inc()
}

// RecordAcquireWait records how long an acquire waited for its key.
func RecordAcquireWait(backend string, seconds float64) {
	LockAcquireWait.WithLabelValues(backend).Observe(seconds)
}

// IncLocksHeld increments the held leases gauge.
func IncLocksHeld() {
	LocksHeld.Inc()
}

// DecLocksHeld decrements the held leases gauge.
func DecLocksHeld() {
	LocksHeld.Dec()
}

// RecordLeaseExpired records a lease released by expiration.
func RecordLeaseExpired() {
	LeasesExpired.Inc()
}

// RecordRecordsPruned records the number of lock records removed by cleanup.
func RecordRecordsPruned(count int) {
	RecordsPruned.Add(float64(count))
}

// SetSchedulerEntries sets the number of scheduled expirations.
func SetSchedulerEntries(count int) {
	SchedulerEntries.Set(float64(count))
}

// RecordSchedulerFired records fired expiration callbacks.
func RecordSchedulerFired(count int) {
	SchedulerFired.Add(float64(count))
}

// RecordSchedulerActionPanic records an expiration callback panic.
func RecordSchedulerActionPanic() {
	SchedulerActionPanics.Inc()
}

// RecordMultiLockAcquire records a multi-key acquisition outcome.
func RecordMultiLockAcquire(result string) {
	MultiLockAcquires.WithLabelValues(result).Inc()
}

// RecordMultiLockRollback records keys released during a rollback.
func RecordMultiLockRollback(keys int) {
	MultiLockRollbacks.Add(float64(keys))
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(method, path string, seconds float64) {
	HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// RecordGRPCRequest records a gRPC request.
func RecordGRPCRequest(method, status string) {
	GRPCRequestsTotal.WithLabelValues(method, status).Inc()
}

// RecordGRPCRequestDuration records gRPC request duration.
func RecordGRPCRequestDuration(method string, seconds float64) {
	GRPCRequestDuration.WithLabelValues(method).Observe(seconds)
}

// GinMiddleware returns a Gin middleware recording request counts and latency.
// The route template is used as the path label to keep cardinality bounded.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()))
		RecordHTTPRequestDuration(c.Request.Method, path, time.Since(start).Seconds())
	}
}

// GRPCInterceptor returns a gRPC unary server interceptor recording request counts and latency.
func GRPCInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		RecordGRPCRequest(info.FullMethod, status.Code(err).String())
		RecordGRPCRequestDuration(info.FullMethod, time.Since(start).Seconds())

		return resp, err
	}
}
