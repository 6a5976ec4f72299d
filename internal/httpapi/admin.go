package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentbridge/internal/agent"
	"github.com/kandev/agentbridge/internal/apperr"
	"github.com/kandev/agentbridge/internal/auth"
	"github.com/kandev/agentbridge/internal/budget"
	"github.com/kandev/agentbridge/internal/sessionpool"
	"github.com/kandev/agentbridge/internal/sessionstore"
)

// TokenIssueOptions carries the TTL policy the admin token endpoints
// mint under, from configuration.
type TokenIssueOptions struct {
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	RefreshEnabled  bool
	DefaultClientID string
}

type issueTokenRequest struct {
	ClientName     string   `json:"clientName" binding:"required"`
	Scopes         []string `json:"scopes"`
	TTLSeconds     int      `json:"ttlSeconds"`
	BudgetDailyUSD *float64 `json:"budgetDailyUsd"`
	RateLimitRPM   *int     `json:"rateLimitRpm"`
	AllowedModels  []string `json:"allowedModels"`
	Ephemeral      bool     `json:"ephemeral"`
}

// AdminIssueTokenHandler mints an access token (and, when refresh tokens
// are enabled, a paired refresh token) for a named client.
func AdminIssueTokenHandler(tokens *auth.TokenService, opts TokenIssueOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req issueTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperr.InvalidRequest(err.Error()))
			return
		}

		ttl := opts.AccessTTL
		if req.TTLSeconds > 0 {
			ttl = time.Duration(req.TTLSeconds) * time.Second
		}

		access, jti, err := tokens.Issue(auth.IssueParams{
			Subject:        req.ClientName,
			TokenType:      auth.TokenTypeAccess,
			TTL:            ttl,
			Scopes:         req.Scopes,
			BudgetDailyUSD: req.BudgetDailyUSD,
			RateLimitRPM:   req.RateLimitRPM,
			AllowedModels:  req.AllowedModels,
			Ephemeral:      req.Ephemeral,
		})
		if err != nil {
			c.Error(apperr.Internal(err))
			return
		}

		resp := gin.H{
			"accessToken": access,
			"jti":         jti,
			"expiresIn":   int(ttl.Seconds()),
		}

		if opts.RefreshEnabled && !req.Ephemeral {
			refresh, refreshJTI, err := tokens.Issue(auth.IssueParams{
				Subject:        req.ClientName,
				TokenType:      auth.TokenTypeRefresh,
				TTL:            opts.RefreshTTL,
				Scopes:         req.Scopes,
				BudgetDailyUSD: req.BudgetDailyUSD,
				RateLimitRPM:   req.RateLimitRPM,
				AllowedModels:  req.AllowedModels,
			})
			if err != nil {
				c.Error(apperr.Internal(err))
				return
			}
			resp["refreshToken"] = refresh
			resp["refreshJti"] = refreshJTI
		}

		c.JSON(http.StatusCreated, resp)
	}
}

type refreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// AdminRefreshTokenHandler exchanges a valid refresh token for a fresh
// access token carrying the same subject, scopes, and per-client
// overrides.
func AdminRefreshTokenHandler(tokens *auth.TokenService, opts TokenIssueOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refreshTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperr.InvalidRequest(err.Error()))
			return
		}

		claims, err := tokens.Verify(req.RefreshToken, auth.TokenTypeRefresh)
		if err != nil {
			c.Error(apperr.AuthInvalid("refresh token rejected"))
			return
		}

		access, jti, err := tokens.Issue(auth.IssueParams{
			Subject:        claims.Subject,
			TokenType:      auth.TokenTypeAccess,
			TTL:            opts.AccessTTL,
			Scopes:         claims.Scopes,
			BudgetDailyUSD: claims.BudgetDailyUSD,
			RateLimitRPM:   claims.RateLimitRPM,
			AllowedModels:  claims.AllowedModels,
		})
		if err != nil {
			c.Error(apperr.Internal(err))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"accessToken": access,
			"jti":         jti,
			"expiresIn":   int(opts.AccessTTL.Seconds()),
		})
	}
}

// AdminRevokeTokenHandler permanently revokes a token id. The revocation
// entry outlives the longest-lived token that could carry the jti.
func AdminRevokeTokenHandler(revocations *auth.RevocationStore, opts TokenIssueOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		jti := c.Param("jti")
		if jti == "" {
			c.Error(apperr.InvalidRequest("missing token id"))
			return
		}
		expiry := time.Now().UTC().Add(opts.RefreshTTL)
		if err := revocations.Revoke(c.Request.Context(), jti, expiry); err != nil {
			c.Error(apperr.Internal(err))
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// AdminListRevokedHandler lists every recorded revocation.
func AdminListRevokedHandler(revocations *auth.RevocationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := revocations.List(c.Request.Context())
		if err != nil {
			c.Error(apperr.Internal(err))
			return
		}
		if list == nil {
			list = []auth.RevokedToken{}
		}
		c.JSON(http.StatusOK, gin.H{"revoked": list})
	}
}

type sessionView struct {
	SessionID      string    `json:"sessionId"`
	ContextID      string    `json:"contextId"`
	ClientID       string    `json:"clientId"`
	AgentName      string    `json:"agentName"`
	PID            int       `json:"pid"`
	ProcessAlive   bool      `json:"processAlive"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

func toSessionView(r *sessionstore.Record) sessionView {
	return sessionView{
		SessionID:      r.SessionID,
		ContextID:      r.ContextID,
		ClientID:       r.ClientID,
		AgentName:      r.AgentName,
		PID:            r.PID,
		ProcessAlive:   r.ProcessAlive,
		State:          r.State,
		CreatedAt:      r.CreatedAt,
		LastAccessedAt: r.LastAccessedAt,
	}
}

// AdminListSessionsHandler lists session records, optionally filtered by
// owning client via ?client=.
func AdminListSessionsHandler(sessions *sessionstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var records []*sessionstore.Record
		if client := c.Query("client"); client != "" {
			records = sessions.ByClient(client)
		} else {
			records = sessions.All()
		}

		out := make([]sessionView, 0, len(records))
		for _, r := range records {
			out = append(out, toSessionView(r))
		}
		c.JSON(http.StatusOK, gin.H{"sessions": out})
	}
}

// AdminDeleteSessionHandler destroys a session's worker process (if one
// is live) and removes its record.
func AdminDeleteSessionHandler(sessions *sessionstore.Store, pool *sessionpool.Pool, destroyGrace time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("id")
		rec, ok := sessions.BySession(sessionID)
		if !ok {
			c.Error(apperr.TaskNotFound())
			return
		}

		pool.Evict(c.Request.Context(), rec.ContextID, destroyGrace)
		if err := sessions.Delete(c.Request.Context(), sessionID); err != nil {
			c.Error(apperr.Internal(err))
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// AdminStatsHandler reports session counts, the enabled agent set, and
// today's budget snapshot.
func AdminStatsHandler(reg *agent.Registry, pool *sessionpool.Pool, sessions *sessionstore.Store, budgets *budget.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		enabled := reg.Enabled()
		names := make([]string, 0, len(enabled))
		for _, d := range enabled {
			names = append(names, d.Name)
		}

		snapshot, err := budgets.TakeSnapshot(c.Request.Context())
		if err != nil {
			c.Error(apperr.Internal(err))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"activeSessions": pool.Size(),
			"sessionRecords": len(sessions.All()),
			"enabledAgents":  names,
			"budget":         snapshot,
		})
	}
}

// AdminListAgentsHandler lists every configured agent, enabled or not,
// for operational visibility beyond the public agent-card document.
func AdminListAgentsHandler(reg *agent.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"agents": reg.All()})
	}
}
