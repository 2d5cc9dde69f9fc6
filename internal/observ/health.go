package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents overall process health
type HealthStatus struct {
	Status    string                 `json:"status"`    // "healthy", "degraded", "failed"
	Timestamp string                 `json:"timestamp"` // ISO 8601
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one named health check
type CheckResult struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthCheck reports the state of one component
type HealthCheck func() CheckResult

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags

	checksMu sync.RWMutex
	checks   = map[string]HealthCheck{}
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// RegisterHealthCheck adds or replaces a named check
func RegisterHealthCheck(name string, check HealthCheck) {
	checksMu.Lock()
	defer checksMu.Unlock()
	checks[name] = check
}

// CurrentHealth runs every registered check and folds them into one status
func CurrentHealth() HealthStatus {
	checksMu.RLock()
	names := make([]string, 0, len(checks))
	for n := range checks {
		names = append(names, n)
	}
	sort.Strings(names)
	fns := make([]HealthCheck, len(names))
	for i, n := range names {
		fns[i] = checks[n]
	}
	checksMu.RUnlock()

	h := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Version:   version,
		Checks:    make(map[string]CheckResult, len(names)),
	}
	for i, n := range names {
		res := fns[i]()
		h.Checks[n] = res
		switch res.Status {
		case "failed":
			h.Status = "failed"
		case "degraded":
			if h.Status == "healthy" {
				h.Status = "degraded"
			}
		}
	}
	return h
}

// HealthHandler serves CurrentHealth as JSON
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := CurrentHealth()

		statusCode := http.StatusOK
		if health.Status == "failed" {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}
