package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbridge/internal/budget"
	"github.com/kandev/agentbridge/internal/logging"
	"github.com/kandev/agentbridge/internal/sessionpool"
	"github.com/kandev/agentbridge/internal/sessionstore"
	"github.com/kandev/agentbridge/internal/storage"
	"github.com/kandev/agentbridge/internal/worker"
)

func newHealthFixture(t *testing.T) (*storage.DB, HealthDeps) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := storage.Open(path, logging.Default())
	require.NoError(t, err)

	sessions, err := sessionstore.New(db, 0, logging.Default())
	require.NoError(t, err)
	pool := sessionpool.New(func(ctx context.Context, agentName, resumeSessionID string) (worker.Config, error) {
		return worker.Config{}, nil
	}, 0, logging.Default())

	return db, HealthDeps{
		DB:        db,
		Pool:      pool,
		Sessions:  sessions,
		Budgets:   budget.New(db, 5.0, 50.0),
		Version:   "test",
		StartTime: time.Now().Add(-3 * time.Second),
	}
}

func TestHealthHandlerReportsOKWithLiveDatabase(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, deps := newHealthFixture(t)
	defer db.Close()

	router := gin.New()
	router.GET("/health", HealthHandler(deps))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.GreaterOrEqual(t, body["uptime_seconds"].(float64), float64(3))
	assert.Equal(t, float64(0), body["active_processes"])
	assert.Contains(t, body, "budget")
}

func TestHealthHandlerReportsDegradedAfterClose(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, deps := newHealthFixture(t)
	db.Close()

	router := gin.New()
	router.GET("/health", HealthHandler(deps))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
