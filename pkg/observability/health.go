package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// HealthStatus represents the health status of the service
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a single health check
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// HealthChecker runs registered checks and aggregates their status.
type HealthChecker struct {
	version string
	started time.Time
	checks  map[string]*HealthCheck
	mu      sync.RWMutex
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckStatus `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckStatus represents the status of a health check
type CheckStatus struct {
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	LastChecked time.Time    `json:"last_checked"`
	Duration    string       `json:"duration,omitempty"`
}

// SystemInfo represents system information
type SystemInfo struct {
	NumGoroutines int    `json:"num_goroutines"`
	NumCPU        int    `json:"num_cpu"`
	MemAlloc      uint64 `json:"mem_alloc_mb"`
	MemSys        uint64 `json:"mem_sys_mb"`
}

// NewHealthChecker creates a checker reporting the given build version.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version: version,
		started: time.Now(),
		checks:  make(map[string]*HealthCheck),
	}
}

// RegisterCheck registers a new health check
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	if check.Timeout == 0 {
		check.Timeout = 5 * time.Second
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[check.Name] = check
}

// Check performs all health checks
func (hc *HealthChecker) Check(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hc.checks))
	for _, v := range hc.checks {
		checks = append(checks, v)
	}
	hc.mu.RUnlock()

	checkResults := make(map[string]CheckStatus, len(checks))
	overallStatus := HealthStatusHealthy

	for _, check := range checks {
		status := performCheck(ctx, check)
		checkResults[check.Name] = status

		if status.Status == HealthStatusUnhealthy {
			overallStatus = HealthStatusUnhealthy
		} else if status.Status == HealthStatusDegraded && overallStatus == HealthStatusHealthy {
			overallStatus = HealthStatusDegraded
		}
	}

	return HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC(),
		Version:   hc.version,
		Uptime:    time.Since(hc.started).Round(time.Second).String(),
		Checks:    checkResults,
		System:    getSystemInfo(),
	}
}

// performCheck runs one check with its timeout. A check that ignores its
// context is abandoned once the deadline passes.
func performCheck(ctx context.Context, check *HealthCheck) CheckStatus {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- check.CheckFunc(checkCtx)
	}()

	var err error
	select {
	case err = <-errChan:
	case <-checkCtx.Done():
		err = checkCtx.Err()
	}

	status := CheckStatus{
		LastChecked: time.Now().UTC(),
		Duration:    time.Since(start).String(),
	}

	switch {
	case err == nil:
		status.Status = HealthStatusHealthy
		status.Message = "OK"
	case check.Critical:
		status.Status = HealthStatusUnhealthy
		status.Message = err.Error()
	default:
		status.Status = HealthStatusDegraded
		status.Message = err.Error()
	}
	return status
}

// HealthHandler returns an HTTP handler for health checks
func (hc *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := hc.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")

		switch response.Status {
		case HealthStatusHealthy, HealthStatusDegraded:
			w.WriteHeader(http.StatusOK)
		case HealthStatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}

// LivenessHandler returns a simple liveness probe handler
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler returns a readiness probe handler. Degraded counts as
// ready; only a failing critical check takes the instance out of rotation.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := hc.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")

		if response.Status != HealthStatusUnhealthy {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status": "ready",
			})
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "not ready",
		})
	}
}

func getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		MemAlloc:      m.Alloc / 1024 / 1024,
		MemSys:        m.Sys / 1024 / 1024,
	}
}

// Common health check functions

// StoreCheck creates a critical check against the session store.
func StoreCheck(pingFunc func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:      "session_store",
		CheckFunc: pingFunc,
		Timeout:   5 * time.Second,
		Critical:  true,
	}
}

// DirectoryCheck reports degraded when the provider directory is empty.
// Referrals still complete without a match, so it is not critical.
func DirectoryCheck(size func() int) *HealthCheck {
	return &HealthCheck{
		Name: "directory",
		CheckFunc: func(ctx context.Context) error {
			if size() == 0 {
				return errors.New("provider directory is empty")
			}
			return nil
		},
		Timeout:  time.Second,
		Critical: false,
	}
}
