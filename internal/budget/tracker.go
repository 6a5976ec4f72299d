// Package budget tracks per-client daily spend against a cap, grounded on
// the teacher's upsert-on-conflict persistence idiom (task/repository's
// Exec-based writes) applied to a (date, client) ledger keyed on the UTC
// calendar date, so a key rolls over implicitly at midnight UTC with no
// explicit reset job.
package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kandev/agentbridge/internal/apperr"
	"github.com/kandev/agentbridge/internal/storage"
)

// Tracker is the daily spend ledger.
type Tracker struct {
	db                 *storage.DB
	defaultClientLimit float64
	globalLimit        float64
}

// New constructs a Tracker with the configured default per-client and
// global daily caps in USD.
func New(db *storage.DB, defaultClientLimit, globalLimit float64) *Tracker {
	return &Tracker{db: db, defaultClientLimit: defaultClientLimit, globalLimit: globalLimit}
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Spent returns today's cumulative spend for a client.
func (t *Tracker) Spent(ctx context.Context, clientID string) (float64, error) {
	var spent float64
	err := t.db.Conn.QueryRowContext(ctx, `SELECT spent_usd FROM budget_records WHERE date = ? AND client_id = ?`,
		dateKey(time.Now()), clientID).Scan(&spent)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget: spent: %w", err)
	}
	return spent, nil
}

// GlobalSpent returns today's cumulative spend across every client.
func (t *Tracker) GlobalSpent(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	err := t.db.Conn.QueryRowContext(ctx, `SELECT SUM(spent_usd) FROM budget_records WHERE date = ?`, dateKey(time.Now())).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("budget: global spent: %w", err)
	}
	if !total.Valid {
		return 0, nil
	}
	return total.Float64, nil
}

// CheckAndReserve verifies that spending an additional estimatedCost would
// not exceed either the client's limit (or override, if clientLimit > 0)
// or the global limit, before the orchestrator dispatches to a worker.
// This is a pre-check, not a hold: actual cost is recorded afterward via
// Record, which may still slightly overshoot under concurrent requests,
// an accepted tradeoff since worker cost is only known after the turn
// completes.
func (t *Tracker) CheckAndReserve(ctx context.Context, clientID string, clientLimit, estimatedCost float64) error {
	limit := t.defaultClientLimit
	if clientLimit > 0 {
		limit = clientLimit
	}

	spent, err := t.Spent(ctx, clientID)
	if err != nil {
		return err
	}
	if limit > 0 && spent+estimatedCost > limit {
		return apperr.BudgetExhausted(fmt.Sprintf("client %s", clientID))
	}

	if t.globalLimit > 0 {
		global, err := t.GlobalSpent(ctx)
		if err != nil {
			return err
		}
		if global+estimatedCost > t.globalLimit {
			return apperr.BudgetExhausted("global")
		}
	}
	return nil
}

// Snapshot is the point-in-time budget view surfaced by the health and
// admin-stats endpoints.
type Snapshot struct {
	Date                  string  `json:"date"`
	GlobalSpentUSD        float64 `json:"global_spent_usd"`
	GlobalLimitUSD        float64 `json:"global_limit_usd"`
	DefaultClientLimitUSD float64 `json:"default_client_limit_usd"`
}

// TakeSnapshot reads today's global spend against the configured caps.
func (t *Tracker) TakeSnapshot(ctx context.Context) (Snapshot, error) {
	global, err := t.GlobalSpent(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Date:                  dateKey(time.Now()),
		GlobalSpentUSD:        global,
		GlobalLimitUSD:        t.globalLimit,
		DefaultClientLimitUSD: t.defaultClientLimit,
	}, nil
}

// Record adds costUSD to today's ledger entry for clientID, creating the
// row (and implicitly rolling over to a new date key) if this is the
// first charge of the day.
func (t *Tracker) Record(ctx context.Context, clientID string, costUSD float64) error {
	now := time.Now().UTC()
	date := dateKey(now)

	_, err := t.db.Conn.ExecContext(ctx, `
		INSERT INTO budget_records (date, client_id, spent_usd, request_count, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(date, client_id) DO UPDATE SET
			spent_usd = spent_usd + excluded.spent_usd,
			request_count = request_count + 1,
			updated_at = excluded.updated_at`,
		date, clientID, costUSD, now)
	if err != nil {
		return fmt.Errorf("budget: record: %w", err)
	}
	return nil
}
