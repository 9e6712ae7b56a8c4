// Package handlers implements the lexbatch HTTP handlers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/lexbatch/internal/errors"
)

// Check results.
const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusTimeout   = "timeout"
	statusDegraded  = "degraded"
)

// DefaultCheckTimeout bounds a single health check.
const DefaultCheckTimeout = 2 * time.Second

// HealthChecker is run by the readiness endpoints.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

// CheckHealth calls f.
func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// PingChecker reports a dependency healthy when ping succeeds, such as the job
// store's database ping. A nil ping is always unhealthy.
func PingChecker(ping func(ctx context.Context) error) HealthChecker {
	return HealthCheckerFunc(func(ctx context.Context) error {
		if ping == nil {
			return errors.New("store not configured")
		}
		return ping(ctx)
	})
}

// HealthResponse is the body of a successful health check.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checks.
type HealthManager struct {
	version   string
	startedAt time.Time
	timeout   time.Duration

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager creates a manager reporting version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:   version,
		startedAt: time.Now(),
		timeout:   DefaultCheckTimeout,
		checkers:  make(map[string]HealthChecker),
	}
}

// RegisterChecker adds or replaces the check called name.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for k, v := range m.checkers {
		checkers[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := checkers[name].CheckHealth(cctx)
		cancel()
		switch {
		case err == nil:
			results[name] = statusHealthy
		case errors.Is(err, context.DeadlineExceeded):
			results[name] = statusTimeout
		default:
			results[name] = statusUnhealthy
		}
	}
	return results
}

func (m *HealthManager) determineOverallStatus(results map[string]string) string {
	status := statusHealthy
	for _, r := range results {
		switch r {
		case statusUnhealthy:
			return statusUnhealthy
		case statusTimeout:
			status = statusDegraded
		}
	}
	return status
}

func (m *HealthManager) respond(w http.ResponseWriter, r *http.Request, results map[string]string) {
	status := m.determineOverallStatus(results)
	if status == statusUnhealthy {
		details := map[string]any{"status": status}
		for name, result := range results {
			details["check."+name] = result
		}
		env := apperrors.NewEnvelope(apperrors.CodeServiceUnavailable, "one or more health checks failed", details)
		apperrors.WriteError(w, http.StatusServiceUnavailable, env.WithCorrelationID(apperrors.RequestIDFrom(r.Context())))
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   m.version,
		Uptime:    time.Since(m.startedAt).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Checks:    results,
	})
}

// HealthHandler runs every check.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, m.runChecks(r.Context()))
}

// LivenessHandler reports that the process is serving.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, nil)
}

// ReadinessHandler runs every check.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, m.runChecks(r.Context()))
}

// StartupHandler reports that startup finished.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, nil)
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager installs the process-wide manager.
func InitHealthManager(version string) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the process-wide manager, or nil.
func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

func withManager(fn func(*HealthManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := GetHealthManager()
		if m == nil {
			env := apperrors.NewEnvelope(apperrors.CodeServiceUnavailable, "health manager not initialized", nil)
			apperrors.WriteError(w, http.StatusServiceUnavailable, env.WithCorrelationID(apperrors.RequestIDFrom(r.Context())))
			return
		}
		fn(m, w, r)
	}
}

// Handlers backed by the process-wide manager.
var (
	HealthHandler    = withManager((*HealthManager).HealthHandler)
	LivenessHandler  = withManager((*HealthManager).LivenessHandler)
	ReadinessHandler = withManager((*HealthManager).ReadinessHandler)
	StartupHandler   = withManager((*HealthManager).StartupHandler)
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
