// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRegisterMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name string
		path string
	}{
		{"default path", "/metrics"},
		{"custom path", "/internal/metrics"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			RegisterMetricsEndpoint(router, tt.path)

			req := httptest.NewRequest("GET", tt.path, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), "# HELP")
		})
	}
}

func TestRecordLockOperation(t *testing.T) {
	before := testutil.ToFloat64(LockOperations.WithLabelValues("memory", "acquire", "ok"))

	RecordLockOperation("memory", "acquire", "ok")
	RecordLockOperation("memory", "acquire", "ok")

	after := testutil.ToFloat64(LockOperations.WithLabelValues("memory", "acquire", "ok"))
	assert.Equal(t, before+2, after)
}

func TestLocksHeldGauge(t *testing.T) {
	before := testutil.ToFloat64(LocksHeld)

	IncLocksHeld()
	IncLocksHeld()
	DecLocksHeld()

	assert.Equal(t, before+1, testutil.ToFloat64(LocksHeld))
	DecLocksHeld()
}

func TestSchedulerMetrics(t *testing.T) {
	SetSchedulerEntries(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(SchedulerEntries))

	before := testutil.ToFloat64(SchedulerFired)
	RecordSchedulerFired(3)
	assert.Equal(t, before+3, testutil.ToFloat64(SchedulerFired))

	// This should not panic
	RecordSchedulerActionPanic()
	RecordLeaseExpired()
	RecordRecordsPruned(2)
	RecordAcquireWait("memory", 0.002)
	RecordMultiLockAcquire("ok")
	RecordMultiLockRollback(2)
}

func TestRecordHTTPRequest(t *testing.T) {
	// This should not panic
	RecordHTTPRequest("GET", "/api/v1/locks", "200")
	RecordHTTPRequest("POST", "/api/v1/locks", "400")
	RecordHTTPRequestDuration("GET", "/api/v1/locks", 0.05)
}

func TestRecordGRPCRequest(t *testing.T) {
	// This should not panic
	RecordGRPCRequest("/leasekeeper.v1.LockService/Lock", "OK")
	RecordGRPCRequestDuration("/leasekeeper.v1.LockService/GetLockInfo", 0.01)
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GinMiddleware())
	router.GET("/api/v1/locks", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/locks", "200"))

	req := httptest.NewRequest("GET", "/api/v1/locks", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/locks", "200"))
	assert.Equal(t, before+1, after)
}

func TestGRPCInterceptor(t *testing.T) {
	interceptor := GRPCInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/leasekeeper.v1.LockService/Lock"}

	before := testutil.ToFloat64(GRPCRequestsTotal.WithLabelValues(info.FullMethod, "Unavailable"))

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.Unavailable, "down")
	})
	require.Error(t, err)

	after := testutil.ToFloat64(GRPCRequestsTotal.WithLabelValues(info.FullMethod, "Unavailable"))
	assert.Equal(t, before+1, after)

	resp, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "resp", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "resp", resp)

	_, err = interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, errors.New("plain")
	})
	assert.Error(t, err)
}

func TestMetricsAreRegistered(t *testing.T) {
	metrics := []prometheus.Collector{
		LockOperations,
		LockAcquireWait,
		LocksHeld,
		LeasesExpired,
		RecordsPruned,
		SchedulerEntries,
		SchedulerFired,
		SchedulerActionPanics,
		MultiLockAcquires,
		MultiLockRollbacks,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		GRPCRequestsTotal,
		GRPCRequestDuration,
	}

	for _, metric := range metrics {
		assert.NotNil(t, metric)
	}
}
