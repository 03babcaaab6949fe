package http

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"callcoach-server/pkg/version"
)

const healthCheckTimeout = 3 * time.Second

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult represents an individual health check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfo contains system resource information
type SystemInfo struct {
	GoRoutines          int    `json:"goroutines"`
	MemoryMB            uint64 `json:"memory_mb"`
	CPUCount            int    `json:"cpu_count"`
	ActiveCalls         int    `json:"active_calls"`
	CoachingSubscribers int    `json:"coaching_subscribers"`
}

// HealthHandler reports every registered dependency check. A failing
// dependency degrades the service but live coaching keeps running.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   version.Version,
		Checks:    s.runChecks(r.Context()),
	}

	for _, check := range health.Checks {
		if check.Status != "healthy" {
			health.Status = "degraded"
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	health.System = SystemInfo{
		GoRoutines:  runtime.NumGoroutine(),
		MemoryMB:    mem.Alloc / 1024 / 1024,
		CPUCount:    runtime.NumCPU(),
		ActiveCalls: s.calls.ActiveCount(),
	}
	if s.hub != nil {
		health.System.CoachingSubscribers = s.hub.ClientCount()
	}

	writeJSON(w, http.StatusOK, health)
}

// LivenessHandler answers as long as the process serves requests.
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// ReadinessHandler fails when any registered dependency is down.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks := s.runChecks(r.Context())

	var failing []string
	for name, check := range checks {
		if check.Status != "healthy" {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "not_ready",
			"failing": failing,
			"checks":  checks,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"checks": checks,
	})
}

func (s *Server) runChecks(ctx context.Context) map[string]CheckResult {
	s.checksMu.RLock()
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.checksMu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	for name, check := range checks {
		results[name] = runCheck(ctx, check)
	}
	return results
}

func runCheck(ctx context.Context, check HealthCheck) (result CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			result = CheckResult{Status: "unhealthy", Message: "health check panicked"}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := check(ctx); err != nil {
		return CheckResult{Status: "unhealthy", Message: err.Error()}
	}
	return CheckResult{Status: "healthy"}
}
