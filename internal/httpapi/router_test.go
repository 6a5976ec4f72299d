package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbridge/internal/agent"
	"github.com/kandev/agentbridge/internal/auth"
	"github.com/kandev/agentbridge/internal/budget"
	"github.com/kandev/agentbridge/internal/logging"
	"github.com/kandev/agentbridge/internal/orchestrator"
	"github.com/kandev/agentbridge/internal/ratelimit"
	"github.com/kandev/agentbridge/internal/sessionpool"
	"github.com/kandev/agentbridge/internal/sessionstore"
	"github.com/kandev/agentbridge/internal/storage"
	"github.com/kandev/agentbridge/internal/taskstore"
	"github.com/kandev/agentbridge/internal/worker"
)

const masterKey = "master-key"

const routerEchoScript = `echo '{"type":"system","subtype":"init","model":"test-model","session_id":"sess-router"}'
while IFS= read -r line; do
  echo '{"type":"result","result":"router reply","total_cost_usd":0.01,"num_turns":1,"is_error":false}'
done`

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := storage.Open(path, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sessions, err := sessionstore.New(db, 0, logging.Default())
	require.NoError(t, err)
	tasks := taskstore.New(db)
	budgets := budget.New(db, 100.0, 1000.0)
	limiter := ratelimit.New(6000, 100)

	revocations, err := auth.NewRevocationStore(db)
	require.NoError(t, err)
	tokens, err := auth.NewTokenService([]byte("jwt-secret"), "HS256", "agentbridge", revocations)
	require.NoError(t, err)

	spawner := func(ctx context.Context, agentName, resumeSessionID string) (worker.Config, error) {
		return worker.Config{Command: "/bin/sh", Args: []string{"-c", routerEchoScript}, RequestTimeout: 3 * time.Second}, nil
	}
	pool := sessionpool.New(spawner, 0, logging.Default())
	sessions.SetEvictor(pool.Evict)
	reg := agent.New(&agent.Definition{Name: "general", Enabled: true})

	orch := orchestrator.New(reg, pool, sessions, tasks, budgets, limiter, time.Second, logging.Default())

	return NewRouter(Deps{
		Log:          logging.Default(),
		DB:           db,
		Agents:       reg,
		Pool:         pool,
		Sessions:     sessions,
		Orchestrator: orch,
		Budgets:      budgets,
		Gate:         auth.NewGate(masterKey, tokens, false),
		Tokens:       tokens,
		Revocations:  revocations,
		TokenOpts: TokenIssueOptions{
			AccessTTL:      time.Hour,
			RefreshTTL:     24 * time.Hour,
			RefreshEnabled: true,
		},
		DestroyGrace: time.Second,
		ServerName:   "agentbridge",
		Description:  "test bridge",
		Version:      "test",
		StartTime:    time.Now(),
	})
}

func doJSON(t *testing.T, h http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func rpcBody(method string, params any) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "id": 1, "method": method, "params": params}
}

func sendParams(text, contextID string) map[string]any {
	return map[string]any{
		"message": map[string]any{
			"messageId": "m1",
			"role":      "user",
			"parts":     []map[string]any{{"kind": "text", "text": text}},
			"contextId": contextID,
		},
		"configuration": map[string]any{"blocking": true},
	}
}

func TestRouterFreshConversationOverJSONRPC(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/a2a/jsonrpc", masterKey, rpcBody("message/send", sendParams("What is 2+2?", "")))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Result struct {
			ID     string `json:"id"`
			Status struct {
				State   string `json:"state"`
				Message struct {
					Parts    []map[string]any `json:"parts"`
					Metadata map[string]any   `json:"metadata"`
				} `json:"message"`
			} `json:"status"`
		} `json:"result"`
		Error *map[string]any `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
	assert.Equal(t, "completed", resp.Result.Status.State)
	assert.Equal(t, "router reply", resp.Result.Status.Message.Parts[0]["text"])

	claude, ok := resp.Result.Status.Message.Metadata["claude"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sess-router", claude["session_id"])
	assert.GreaterOrEqual(t, claude["cost_usd"].(float64), 0.0)

	// Continuity: a tasks/get for the returned task id succeeds for the
	// shared-secret tier.
	get := doJSON(t, h, http.MethodPost, "/a2a/jsonrpc", masterKey, rpcBody("tasks/get", map[string]any{"id": resp.Result.ID}))
	require.Equal(t, http.StatusOK, get.Code)
	assert.Contains(t, get.Body.String(), `"completed"`)
}

func TestRouterRejectsNonBlockingDelivery(t *testing.T) {
	h := newTestRouter(t)

	params := sendParams("hi", "")
	params["configuration"] = map[string]any{"blocking": false}
	rec := doJSON(t, h, http.MethodPost, "/a2a/jsonrpc", masterKey, rpcBody("message/send", params))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "only blocking delivery is supported")
}

func TestRouterUnknownMethodReturnsRPCError(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/a2a/jsonrpc", masterKey, rpcBody("message/stream", sendParams("hi", "")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "-32601")
}

func TestRouterTokenLifecycle(t *testing.T) {
	h := newTestRouter(t)

	// Issue a token pair as master.
	rec := doJSON(t, h, http.MethodPost, "/admin/tokens", masterKey, map[string]any{
		"clientName": "alice",
		"scopes":     []string{"*"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var issued struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		JTI          string `json:"jti"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	require.NotEmpty(t, issued.AccessToken)
	require.NotEmpty(t, issued.RefreshToken)

	// The access token works on the A2A surface but not the admin one.
	send := doJSON(t, h, http.MethodPost, "/a2a/jsonrpc", issued.AccessToken, rpcBody("message/send", sendParams("hello", "")))
	require.Equal(t, http.StatusOK, send.Code)
	assert.Contains(t, send.Body.String(), "router reply")

	admin := doJSON(t, h, http.MethodGet, "/admin/stats", issued.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, admin.Code)

	// Refresh exchange yields a fresh access token for the same subject.
	refreshed := doJSON(t, h, http.MethodPost, "/admin/tokens/refresh", masterKey, map[string]any{
		"refreshToken": issued.RefreshToken,
	})
	require.Equal(t, http.StatusOK, refreshed.Code)

	// Revoking the access token's jti locks it out.
	revoke := doJSON(t, h, http.MethodDelete, "/admin/tokens/"+issued.JTI, masterKey, nil)
	require.Equal(t, http.StatusNoContent, revoke.Code)

	after := doJSON(t, h, http.MethodPost, "/a2a/jsonrpc", issued.AccessToken, rpcBody("message/send", sendParams("hello again", "")))
	assert.Equal(t, http.StatusUnauthorized, after.Code)

	listed := doJSON(t, h, http.MethodGet, "/admin/tokens/revoked", masterKey, nil)
	require.Equal(t, http.StatusOK, listed.Code)
	assert.Contains(t, listed.Body.String(), issued.JTI)
}

func TestRouterCrossTenantTaskIsolation(t *testing.T) {
	h := newTestRouter(t)

	issue := func(name string) string {
		rec := doJSON(t, h, http.MethodPost, "/admin/tokens", masterKey, map[string]any{
			"clientName": name,
			"scopes":     []string{"*"},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		var out struct {
			AccessToken string `json:"accessToken"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out.AccessToken
	}
	alice, bob := issue("alice"), issue("bob")

	send := doJSON(t, h, http.MethodPost, "/a2a/jsonrpc", alice, rpcBody("message/send", sendParams("hi", "")))
	require.Equal(t, http.StatusOK, send.Code)
	var resp struct {
		Result struct {
			ID string `json:"id"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(send.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Result.ID)

	bobGet := doJSON(t, h, http.MethodPost, "/a2a/jsonrpc", bob, rpcBody("tasks/get", map[string]any{"id": resp.Result.ID}))
	require.Equal(t, http.StatusOK, bobGet.Code)
	assert.Contains(t, bobGet.Body.String(), fmt.Sprint(-32006), "another tenant's task must look absent")

	masterGet := doJSON(t, h, http.MethodPost, "/a2a/jsonrpc", masterKey, rpcBody("tasks/get", map[string]any{"id": resp.Result.ID}))
	require.Equal(t, http.StatusOK, masterGet.Code)
	assert.Contains(t, masterGet.Body.String(), resp.Result.ID)
}

func TestRouterAdminSessionsAndStats(t *testing.T) {
	h := newTestRouter(t)

	send := doJSON(t, h, http.MethodPost, "/a2a/jsonrpc", masterKey, rpcBody("message/send", sendParams("hi", "ctx-admin")))
	require.Equal(t, http.StatusOK, send.Code)

	sessions := doJSON(t, h, http.MethodGet, "/admin/sessions", masterKey, nil)
	require.Equal(t, http.StatusOK, sessions.Code)
	assert.Contains(t, sessions.Body.String(), "ctx-admin")

	stats := doJSON(t, h, http.MethodGet, "/admin/stats", masterKey, nil)
	require.Equal(t, http.StatusOK, stats.Code)
	var body struct {
		ActiveSessions int      `json:"activeSessions"`
		EnabledAgents  []string `json:"enabledAgents"`
	}
	require.NoError(t, json.Unmarshal(stats.Body.Bytes(), &body))
	assert.Equal(t, 1, body.ActiveSessions)
	assert.Equal(t, []string{"general"}, body.EnabledAgents)

	del := doJSON(t, h, http.MethodDelete, "/admin/sessions/sess-router", masterKey, nil)
	require.Equal(t, http.StatusNoContent, del.Code)

	statsAfter := doJSON(t, h, http.MethodGet, "/admin/stats", masterKey, nil)
	require.NoError(t, json.Unmarshal(statsAfter.Body.Bytes(), &body))
	assert.Equal(t, 0, body.ActiveSessions)
}

func TestRouterHealthIsUnauthenticated(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
