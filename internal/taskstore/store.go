// Package taskstore persists task state with ownership enforcement: the
// client that created a task is its permanent owner, and that ownership
// can never change, grounded on the teacher's SQLiteRepository
// (internal/task/repository/sqlite.go) generalized with an access policy
// that never leaks the existence of a task to a non-owning caller.
package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kandev/agentbridge/internal/apperr"
	"github.com/kandev/agentbridge/internal/storage"
)

// Task is one durable task row.
type Task struct {
	TaskID        string
	ContextID     string
	OwnerClientID *string // nil means unowned, e.g. created before auth was configured
	AgentName     string
	Status        string
	LastMessage   map[string]any
	CostUSD       float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store is the durable task index.
type Store struct {
	db *storage.DB
}

// New constructs a Store over an already-migrated database.
func New(db *storage.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new task, stamping owner permanently. A second Create
// for the same TaskID is rejected; callers must use Update thereafter.
func (s *Store) Create(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	lastMsg, _ := json.Marshal(t.LastMessage)
	_, err := s.db.Conn.ExecContext(ctx, `
		INSERT INTO tasks (task_id, context_id, owner_client_id, agent_name, status, last_message, cost_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.ContextID, t.OwnerClientID, t.AgentName, t.Status, string(lastMsg), t.CostUSD, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("taskstore: create: %w", err)
	}
	return nil
}

// Update persists status/message/cost changes for an existing task.
// Update never touches owner_client_id: ownership is immutable once set.
func (s *Store) Update(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	lastMsg, _ := json.Marshal(t.LastMessage)
	res, err := s.db.Conn.ExecContext(ctx, `
		UPDATE tasks SET status = ?, last_message = ?, cost_usd = ?, updated_at = ?
		WHERE task_id = ?`,
		t.Status, string(lastMsg), t.CostUSD, t.UpdatedAt, t.TaskID)
	if err != nil {
		return fmt.Errorf("taskstore: update: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.TaskNotFound()
	}
	return nil
}

// Load enforces the access policy from the error taxonomy: a caller with
// no context (internal/admin call), the shared-secret tier, the task's
// owner, or a task with no owner at all may load it. Every other caller
// gets TaskNotFound rather than ScopeDenied, so existence of another
// client's task is never leaked.
func (s *Store) Load(ctx context.Context, taskID string, callerClientID string, isSharedSecretTier bool) (*Task, error) {
	t, err := s.loadRaw(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if isSharedSecretTier || callerClientID == "" {
		return t, nil
	}
	if t.OwnerClientID == nil {
		return t, nil
	}
	if *t.OwnerClientID == callerClientID {
		return t, nil
	}
	return nil, apperr.TaskNotFound()
}

func (s *Store) loadRaw(ctx context.Context, taskID string) (*Task, error) {
	t := &Task{}
	var owner sql.NullString
	var lastMsg string

	err := s.db.Conn.QueryRowContext(ctx, `
		SELECT task_id, context_id, owner_client_id, agent_name, status, last_message, cost_usd, created_at, updated_at
		FROM tasks WHERE task_id = ?`, taskID).
		Scan(&t.TaskID, &t.ContextID, &owner, &t.AgentName, &t.Status, &lastMsg, &t.CostUSD, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.TaskNotFound()
	}
	if err != nil {
		return nil, fmt.Errorf("taskstore: load: %w", err)
	}
	if owner.Valid {
		v := owner.String
		t.OwnerClientID = &v
	}
	t.LastMessage = map[string]any{}
	_ = json.Unmarshal([]byte(lastMsg), &t.LastMessage)
	return t, nil
}

// ByContext returns every task sharing a contextId, used to find the most
// recent task bound to a conversation.
func (s *Store) ByContext(ctx context.Context, contextID string) ([]*Task, error) {
	rows, err := s.db.Conn.QueryContext(ctx, `
		SELECT task_id, context_id, owner_client_id, agent_name, status, last_message, cost_usd, created_at, updated_at
		FROM tasks WHERE context_id = ? ORDER BY created_at DESC`, contextID)
	if err != nil {
		return nil, fmt.Errorf("taskstore: by context: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t := &Task{}
		var owner sql.NullString
		var lastMsg string
		if err := rows.Scan(&t.TaskID, &t.ContextID, &owner, &t.AgentName, &t.Status, &lastMsg, &t.CostUSD, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if owner.Valid {
			v := owner.String
			t.OwnerClientID = &v
		}
		t.LastMessage = map[string]any{}
		_ = json.Unmarshal([]byte(lastMsg), &t.LastMessage)
		out = append(out, t)
	}
	return out, rows.Err()
}
