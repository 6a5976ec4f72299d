// Package auth issues and verifies signed bearer tokens, adapted from
// arkeep's RS256 JWTManager (server/internal/auth/jwt.go) but narrowed to
// HMAC-only signing, since this server has no need for a public/private
// key split: tokens are minted and verified by the same process.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// TokenType distinguishes access tokens from refresh tokens so one can
// never be presented in place of the other.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

var allowedAlgorithms = map[string]bool{
	"HS256": true,
	"HS384": true,
	"HS512": true,
}

// Claims holds the claims embedded in every token minted by this server.
type Claims struct {
	jwt.RegisteredClaims

	Scopes         []string  `json:"scopes,omitempty"`
	BudgetDailyUSD *float64  `json:"budget_daily_usd,omitempty"`
	RateLimitRPM   *int      `json:"rate_limit_rpm,omitempty"`
	AllowedModels  []string  `json:"allowed_models,omitempty"`
	Ephemeral      bool      `json:"ephemeral,omitempty"`
	TokenType      TokenType `json:"token_type"`
}

// TokenService signs and verifies HMAC tokens. The signing algorithm is
// configurable among the HS256/384/512 allowlist; "none" and anything
// outside that set is rejected both at minting time and, more
// importantly, at verification time, where the expected algorithm is
// pinned by this service rather than trusted from the token's own header.
type TokenService struct {
	secret    []byte
	algorithm *jwt.SigningMethodHMAC
	issuer    string
	revoked   *RevocationStore
}

// NewTokenService constructs a TokenService. algorithm must be one of
// HS256, HS384, HS512; any other value (including "none") is rejected.
func NewTokenService(secret []byte, algorithm, issuer string, revoked *RevocationStore) (*TokenService, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("auth: token secret must not be empty")
	}
	if !allowedAlgorithms[algorithm] {
		return nil, fmt.Errorf("auth: unsupported signing algorithm %q, must be HS256, HS384, or HS512", algorithm)
	}

	var method *jwt.SigningMethodHMAC
	switch algorithm {
	case "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	}

	return &TokenService{secret: secret, algorithm: method, issuer: issuer, revoked: revoked}, nil
}

// IssueParams controls what a minted token carries.
type IssueParams struct {
	Subject        string
	TokenType      TokenType
	TTL            time.Duration
	Scopes         []string
	BudgetDailyUSD *float64
	RateLimitRPM   *int
	AllowedModels  []string
	Ephemeral      bool
}

// Issue mints a signed token for params.
func (s *TokenService) Issue(params IssueParams) (string, string, error) {
	now := time.Now()
	jti := uuid.NewString()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   params.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(params.TTL)),
			ID:        jti,
		},
		Scopes:         params.Scopes,
		BudgetDailyUSD: params.BudgetDailyUSD,
		RateLimitRPM:   params.RateLimitRPM,
		AllowedModels:  params.AllowedModels,
		Ephemeral:      params.Ephemeral,
		TokenType:      params.TokenType,
	}

	token := jwt.NewWithClaims(s.algorithm, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, jti, nil
}

// Verify parses and validates tokenString, pinning the expected signing
// method to this service's configured algorithm rather than trusting the
// "alg" header the token itself claims, the defense against both the
// "none" algorithm attack and HMAC/RSA confusion. It also checks the
// revocation store and, if wantType is non-empty, that the token's own
// type matches (refusing a refresh token presented as an access token
// or vice versa).
func (s *TokenService) Verify(tokenString string, wantType TokenType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != s.algorithm.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if s.revoked != nil && s.revoked.IsRevoked(claims.ID) {
		return nil, fmt.Errorf("auth: %w", errRevoked)
	}

	if wantType != "" && claims.TokenType != wantType {
		return nil, fmt.Errorf("auth: %w: want %s got %s", errWrongTokenType, wantType, claims.TokenType)
	}

	return claims, nil
}

var (
	errRevoked        = errors.New("token revoked")
	errWrongTokenType = errors.New("wrong token type")
)
