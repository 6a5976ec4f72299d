package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentbridge/internal/agent"
	"github.com/kandev/agentbridge/internal/auth"
	"github.com/kandev/agentbridge/internal/budget"
	"github.com/kandev/agentbridge/internal/logging"
	"github.com/kandev/agentbridge/internal/orchestrator"
	"github.com/kandev/agentbridge/internal/sessionpool"
	"github.com/kandev/agentbridge/internal/sessionstore"
	"github.com/kandev/agentbridge/internal/storage"
)

// Deps collects every subsystem the router needs to mount handlers for.
type Deps struct {
	Log          *logging.Logger
	DB           *storage.DB
	Agents       *agent.Registry
	Pool         *sessionpool.Pool
	Sessions     *sessionstore.Store
	Orchestrator *orchestrator.Orchestrator
	Budgets      *budget.Tracker
	Gate         *auth.Gate
	Tokens       *auth.TokenService
	Revocations  *auth.RevocationStore
	TokenOpts    TokenIssueOptions
	DestroyGrace time.Duration
	ServerName   string
	Description  string
	Version      string
	StartTime    time.Time
}

// NewRouter builds the full gin engine: unauthenticated health and
// agent-card endpoints, the authenticated A2A JSON-RPC/REST surface, and
// the shared-secret-only admin surface.
func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(RequestLogger(d.Log), Recovery(d.Log), ErrorHandler(d.Log))

	health := HealthHandler(HealthDeps{
		DB:        d.DB,
		Pool:      d.Pool,
		Sessions:  d.Sessions,
		Budgets:   d.Budgets,
		Version:   d.Version,
		StartTime: d.StartTime,
	})
	r.GET("/health", health)
	r.GET("/healthz", health)
	r.GET("/.well-known/agent-card.json", AgentCardHandler(d.Agents, d.ServerName, d.Description, d.Version))

	authorized := r.Group("/")
	authorized.Use(d.Gate.Middleware())
	{
		authorized.POST("/a2a/jsonrpc", JSONRPCHandler(d.Orchestrator))

		rest := authorized.Group("/a2a/rest")
		rest.POST("/message:send", RESTSendHandler(d.Orchestrator))
		rest.GET("/tasks/:id", RESTGetTaskHandler(d.Orchestrator))
		rest.POST("/tasks/:id:cancel", RESTCancelTaskHandler(d.Orchestrator))

		admin := authorized.Group("/admin")
		admin.Use(auth.RequireSharedSecret())
		if d.Tokens != nil {
			admin.POST("/tokens", AdminIssueTokenHandler(d.Tokens, d.TokenOpts))
			admin.POST("/tokens/refresh", AdminRefreshTokenHandler(d.Tokens, d.TokenOpts))
		}
		admin.DELETE("/tokens/:jti", AdminRevokeTokenHandler(d.Revocations, d.TokenOpts))
		admin.GET("/tokens/revoked", AdminListRevokedHandler(d.Revocations))
		admin.GET("/sessions", AdminListSessionsHandler(d.Sessions))
		admin.DELETE("/sessions/:id", AdminDeleteSessionHandler(d.Sessions, d.Pool, d.DestroyGrace))
		admin.GET("/sessions/:id/watch", WatchSessionHandler(d.Sessions, d.Log))
		admin.GET("/stats", AdminStatsHandler(d.Agents, d.Pool, d.Sessions, d.Budgets))
		admin.GET("/agents", AdminListAgentsHandler(d.Agents))
	}

	return r
}
