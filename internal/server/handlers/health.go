package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
)

// Check results and aggregate statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
)

// HealthResponse represents the aggregate health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProbeResponse represents individual probe response
type ProbeResponse struct {
	Status    string    `json:"status"`
	Probe     string    `json:"probe"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker defines interface for health checkable components
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// CheckerFunc adapts a function to HealthChecker.
type CheckerFunc func(ctx context.Context) error

// CheckHealth implements HealthChecker.
func (f CheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// probeTimeouts bound each probe. Liveness is kept short so a slow redis
// does not get the process restarted.
var probeTimeouts = map[string]time.Duration{
	"aggregate": 5 * time.Second,
	"live":      2 * time.Second,
	"ready":     5 * time.Second,
	"startup":   3 * time.Second,
}

// HealthManager runs registered checks for the health endpoints.
type HealthManager struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	version  string
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checkers: make(map[string]HealthChecker),
		version:  version,
	}
}

// RegisterChecker registers a health checker
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

func (hm *HealthManager) runHealthChecks(ctx context.Context) map[string]string {
	hm.mu.RLock()
	names := make([]string, 0, len(hm.checkers))
	for name := range hm.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]HealthChecker, len(hm.checkers))
	for name, c := range hm.checkers {
		checkers[name] = c
	}
	hm.mu.RUnlock()
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			checks[name] = StatusTimeout
			continue
		}
		if err := checkers[name].CheckHealth(ctx); err != nil {
			checks[name] = StatusUnhealthy
		} else {
			checks[name] = StatusHealthy
		}
	}
	return checks
}

func (hm *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := StatusHealthy
	for _, result := range checks {
		switch result {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded, StatusTimeout:
			status = StatusDegraded
		}
	}
	return status
}

// evaluate runs the checks under the probe's timeout. It writes the error
// response and returns false when the aggregate status is unhealthy.
func (hm *HealthManager) evaluate(w http.ResponseWriter, r *http.Request, probe string) (string, map[string]string, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeouts[probe])
	defer cancel()

	checks := hm.runHealthChecks(ctx)
	status := hm.determineOverallStatus(checks)
	if status == StatusUnhealthy {
		envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", probe+" health check failed")
		respondWithError(w, r, enrichHealthEnvelope(envelope, probe, status, checks))
		return status, checks, false
	}
	return status, checks, true
}

// HealthHandler handles aggregate health check requests
func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, checks, ok := hm.evaluate(w, r, "aggregate")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   hm.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	})
}

// ProbeHandler returns the handler for one of the live, ready and startup
// probes.
func (hm *HealthManager) ProbeHandler(probe string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, _, ok := hm.evaluate(w, r, probe)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, ProbeResponse{
			Status:    status,
			Probe:     probe,
			Timestamp: time.Now().UTC(),
		})
	}
}

func enrichHealthEnvelope(envelope *errors.ErrorEnvelope, probe, status string, checks map[string]string) *errors.ErrorEnvelope {
	details := map[string]any{
		"status": status,
		"probe":  probe,
	}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	envelope = envelope.WithDetails(details)

	var unhealthy []string
	for name, result := range checks {
		if result != StatusHealthy {
			unhealthy = append(unhealthy, name)
		}
	}
	sort.Strings(unhealthy)

	contextData := map[string]any{"status": status, "probe": probe}
	if len(unhealthy) > 0 {
		contextData["unhealthy_checks"] = unhealthy
	}
	if updated, err := envelope.WithContext(contextData); err == nil {
		envelope = updated
	}
	return envelope
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager initializes the global health manager
func InitHealthManager(version string) *HealthManager {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalHealthManager = NewHealthManager(version)
	return globalHealthManager
}

// GetHealthManager returns the global health manager
func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

func globalProbe(probe string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hm := GetHealthManager()
		if hm == nil {
			envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "health manager not initialized")
			respondWithError(w, r, enrichHealthEnvelope(envelope, probe, "unknown", nil))
			return
		}
		if probe == "aggregate" {
			hm.HealthHandler(w, r)
			return
		}
		hm.ProbeHandler(probe)(w, r)
	}
}

// Handlers backed by the global manager.
var (
	HealthHandler    = globalProbe("aggregate")
	LivenessHandler  = globalProbe("live")
	ReadinessHandler = globalProbe("ready")
	StartupHandler   = globalProbe("startup")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
