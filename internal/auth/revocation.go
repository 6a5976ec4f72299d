package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kandev/agentbridge/internal/storage"
)

// RevocationStore is a durable set of revoked token jtis, hydrated into
// memory at startup so Verify never needs a database round trip on the
// hot path.
type RevocationStore struct {
	db *storage.DB

	mu  sync.RWMutex
	set map[string]time.Time // jti -> expiresAt, so cleanup can prune past-expiry entries
}

// NewRevocationStore constructs a RevocationStore and hydrates it from
// every not-yet-expired row in the durable table.
func NewRevocationStore(db *storage.DB) (*RevocationStore, error) {
	r := &RevocationStore{db: db, set: make(map[string]time.Time)}
	if err := r.hydrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RevocationStore) hydrate() error {
	rows, err := r.db.Conn.Query(`SELECT jti, expires_at FROM revoked_tokens WHERE expires_at > ?`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("auth: hydrate revocations: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var jti string
		var expiresAt time.Time
		if err := rows.Scan(&jti, &expiresAt); err != nil {
			return err
		}
		r.set[jti] = expiresAt
	}
	return rows.Err()
}

// Revoke marks jti as revoked until expiresAt, both durably and in the
// in-memory cache used by Verify.
func (r *RevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := r.db.Conn.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, revoked_at, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(jti) DO UPDATE SET revoked_at = excluded.revoked_at, expires_at = excluded.expires_at`,
		jti, time.Now().UTC(), expiresAt)
	if err != nil {
		return fmt.Errorf("auth: revoke: %w", err)
	}

	r.mu.Lock()
	r.set[jti] = expiresAt
	r.mu.Unlock()
	return nil
}

// IsRevoked reports whether jti has been revoked, checking the in-memory
// cache only.
func (r *RevocationStore) IsRevoked(jti string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.set[jti]
	return ok
}

// RevokedToken is one listed revocation entry.
type RevokedToken struct {
	JTI       string    `json:"jti"`
	RevokedAt time.Time `json:"revokedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// List returns every durably recorded revocation, newest first, for the
// admin surface.
func (r *RevocationStore) List(ctx context.Context) ([]RevokedToken, error) {
	rows, err := r.db.Conn.QueryContext(ctx, `SELECT jti, revoked_at, expires_at FROM revoked_tokens ORDER BY revoked_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("auth: list revocations: %w", err)
	}
	defer rows.Close()

	var out []RevokedToken
	for rows.Next() {
		var t RevokedToken
		if err := rows.Scan(&t.JTI, &t.RevokedAt, &t.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneExpired removes cache and durable entries whose token has already
// expired naturally, since a revocation entry is only useful while the
// token it targets would otherwise still validate.
func (r *RevocationStore) PruneExpired(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := r.db.Conn.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at <= ?`, now)
	if err != nil {
		return fmt.Errorf("auth: prune revocations: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for jti, exp := range r.set {
		if !exp.After(now) {
			delete(r.set, jti)
		}
	}
	return nil
}
