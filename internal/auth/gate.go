package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentbridge/internal/apperr"
)

// Identity is what authentication resolves a request to: either the
// shared-secret tier (full access, no per-client scoping) or a specific
// client bound by a verified access token's claims.
type Identity struct {
	ClientID       string
	IsSharedSecret bool
	Scopes         []string
	BudgetDailyUSD *float64
	RateLimitRPM   *int
	AllowedModels  []string
}

const identityContextKey = "auth.identity"

// Gate authenticates each request against the configured shared secret or
// the TokenService, and stores the resulting Identity on the gin context.
// Expired, revoked and wrong-type tokens are always reported as such.
// Any other verification failure reports only "token verification
// failed" while debugVerifyErrors is off (the production default), and
// the underlying detail while it is on.
type Gate struct {
	masterKey         string
	tokens            *TokenService
	debugVerifyErrors bool
}

// NewGate constructs a Gate. masterKey may be empty if only token auth is
// configured.
func NewGate(masterKey string, tokens *TokenService, debugVerifyErrors bool) *Gate {
	return &Gate{masterKey: masterKey, tokens: tokens, debugVerifyErrors: debugVerifyErrors}
}

// Middleware returns the gin.HandlerFunc enforcing authentication. A
// request with no Authorization header at all is rejected with
// AuthMissing; a malformed or invalid bearer token is rejected with
// AuthInvalid/AuthRevoked/AuthWrongTokenType as appropriate.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abort(c, apperr.AuthMissing())
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			abort(c, apperr.AuthInvalid("missing Bearer prefix"))
			return
		}

		if g.masterKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(g.masterKey)) == 1 {
			c.Set(identityContextKey, Identity{IsSharedSecret: true})
			c.Next()
			return
		}

		if g.tokens == nil {
			abort(c, apperr.AuthInvalid("no token verification configured"))
			return
		}

		claims, err := g.tokens.Verify(token, TokenTypeAccess)
		if err != nil {
			switch {
			case err == ErrTokenExpired:
				abort(c, apperr.AuthInvalid("token expired"))
			default:
				abort(c, g.mapVerifyError(err))
			}
			return
		}

		c.Set(identityContextKey, Identity{
			ClientID:       claims.Subject,
			Scopes:         claims.Scopes,
			BudgetDailyUSD: claims.BudgetDailyUSD,
			RateLimitRPM:   claims.RateLimitRPM,
			AllowedModels:  claims.AllowedModels,
		})
		c.Next()
	}
}

func (g *Gate) mapVerifyError(err error) *apperr.AppError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "revoked"):
		return apperr.AuthRevoked()
	case strings.Contains(msg, "wrong token type"):
		return apperr.AuthWrongTokenType("access", "refresh")
	case g.debugVerifyErrors:
		return apperr.AuthInvalid(msg)
	default:
		return apperr.AuthInvalid("token verification failed")
	}
}

// RequireSharedSecret gates the admin surface: only the shared-secret
// tier passes, every token-tier or unauthenticated caller is refused.
func RequireSharedSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		if !ok || !id.IsSharedSecret {
			abort(c, apperr.ScopeDenied("admin"))
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, err *apperr.AppError) {
	c.AbortWithError(err.HTTPStatus, err)
}

// IdentityFrom extracts the Identity stored by Middleware, for handlers
// and the orchestrator's scope/budget checks.
func IdentityFrom(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// HasScope reports whether required is present in the identity's scopes,
// the identity carries the wildcard scope "*" (granting every agent),
// or the identity is the shared-secret tier, which bypasses scope checks
// entirely.
func (id Identity) HasScope(required string) bool {
	if id.IsSharedSecret {
		return true
	}
	for _, s := range id.Scopes {
		if s == required || s == "*" {
			return true
		}
	}
	return false
}
