package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Statuses(t *testing.T) {
	tests := []struct {
		name   string
		checks []*HealthCheck
		want   HealthStatus
	}{
		{
			name: "all healthy",
			checks: []*HealthCheck{
				StoreCheck(func(context.Context) error { return nil }),
				DirectoryCheck(func() int { return 3 }),
			},
			want: HealthStatusHealthy,
		},
		{
			name: "non-critical failure degrades",
			checks: []*HealthCheck{
				StoreCheck(func(context.Context) error { return nil }),
				DirectoryCheck(func() int { return 0 }),
			},
			want: HealthStatusDegraded,
		},
		{
			name: "critical failure is unhealthy",
			checks: []*HealthCheck{
				StoreCheck(func(context.Context) error { return errors.New("connection refused") }),
				DirectoryCheck(func() int { return 3 }),
			},
			want: HealthStatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker("test")
			for _, c := range tt.checks {
				hc.RegisterCheck(c)
			}
			resp := hc.Check(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Checks, len(tt.checks))
			assert.Equal(t, "test", resp.Version)
		})
	}
}

func TestHealthChecker_Timeout(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(&HealthCheck{
		Name: "slow",
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Timeout:  20 * time.Millisecond,
		Critical: true,
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks["slow"].Message, "deadline exceeded")
}

func TestServer_Endpoints(t *testing.T) {
	InitMetrics()

	healthy := true
	hc := NewHealthChecker("test")
	hc.RegisterCheck(StoreCheck(func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("down")
	}))

	srv := NewServer(0, hc)
	h := srv.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, HealthStatusHealthy, body.Status)

	rec = get("/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	RecordTurn("completed")
	rec = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "carepath_turns_total")
}
