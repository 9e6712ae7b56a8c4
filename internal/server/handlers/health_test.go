package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/lexbatch/internal/errors"
	"github.com/3leaps/lexbatch/pkg/jobstore"
	"github.com/3leaps/lexbatch/pkg/sqlstore"
)

func openJobStore(t *testing.T) (*jobstore.Store, func()) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlstore.Open(ctx, sqlstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, jobstore.Migrate(ctx, db))
	closed := false
	closeDB := func() {
		if !closed {
			closed = true
			_ = db.Close()
		}
	}
	t.Cleanup(closeDB)
	return jobstore.New(db), closeDB
}

func getHealth(t *testing.T, h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req = req.WithContext(apperrors.WithRequestID(req.Context(), "req-health"))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestHealth_StoreReachable(t *testing.T) {
	store, _ := openJobStore(t)
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("store", PingChecker(store.Ping))

	rec := getHealth(t, m.ReadinessHandler, "/health/ready")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, statusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, map[string]string{"store": statusHealthy}, resp.Checks)
}

func TestHealth_StoreClosedIsUnhealthy(t *testing.T) {
	store, closeDB := openJobStore(t)
	closeDB()

	m := NewHealthManager("1.2.3")
	m.RegisterChecker("store", PingChecker(store.Ping))

	rec := getHealth(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.CodeServiceUnavailable, resp.Error.Code)
	assert.Equal(t, "req-health", resp.Error.RequestID)
	assert.Equal(t, statusUnhealthy, resp.Error.Details["status"])
	assert.Equal(t, statusUnhealthy, resp.Error.Details["check.store"])
}

func TestHealth_NilPingIsUnhealthy(t *testing.T) {
	err := PingChecker(nil).CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store not configured")
}

func TestHealth_SlowCheckIsDegraded(t *testing.T) {
	store, _ := openJobStore(t)
	m := NewHealthManager("1.2.3")
	m.timeout = 20 * time.Millisecond
	m.RegisterChecker("store", PingChecker(store.Ping))
	m.RegisterChecker("export", HealthCheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	rec := getHealth(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, statusDegraded, resp.Status)
	assert.Equal(t, statusTimeout, resp.Checks["export"])
	assert.Equal(t, statusHealthy, resp.Checks["store"])
}

func TestHealth_UnhealthyOutranksDegraded(t *testing.T) {
	m := NewHealthManager("dev")
	assert.Equal(t, statusUnhealthy, m.determineOverallStatus(map[string]string{
		"export": statusTimeout,
		"store":  statusUnhealthy,
	}))
	assert.Equal(t, statusDegraded, m.determineOverallStatus(map[string]string{
		"export": statusTimeout,
		"store":  statusHealthy,
	}))
	assert.Equal(t, statusHealthy, m.determineOverallStatus(nil))
}

func TestHealth_LivenessSkipsChecks(t *testing.T) {
	store, closeDB := openJobStore(t)
	closeDB()

	m := NewHealthManager("dev")
	m.RegisterChecker("store", PingChecker(store.Ping))

	for _, h := range []http.HandlerFunc{m.LivenessHandler, m.StartupHandler} {
		rec := getHealth(t, h, "/health/live")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, statusHealthy, resp.Status)
		assert.Empty(t, resp.Checks)
	}
}

func TestHealth_GlobalManager(t *testing.T) {
	globalMu.Lock()
	orig := globalHealthManager
	globalHealthManager = nil
	globalMu.Unlock()
	t.Cleanup(func() {
		globalMu.Lock()
		globalHealthManager = orig
		globalMu.Unlock()
	})

	rec := getHealth(t, HealthHandler, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var errResp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "health manager not initialized", errResp.Error.Message)

	InitHealthManager("2.0.0")
	require.NotNil(t, GetHealthManager())

	for _, h := range []http.HandlerFunc{HealthHandler, LivenessHandler, ReadinessHandler, StartupHandler} {
		rec := getHealth(t, h, "/health")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "2.0.0", resp.Version)
	}
}
