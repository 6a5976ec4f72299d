// Package migrate imports a hypothetical prior non-relational version's
// session and task state, left on disk as sessions.json/tasks.json, into
// the SQLite store used by this version, grounded on the teacher's
// one-shot startup migration idiom (the lifecycle manager's startup
// reconciliation pass). Each source file is renamed to ".migrated" after
// a successful import so a second startup against the same data
// directory is a no-op.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/logging"
	"github.com/kandev/agentbridge/internal/sessionstore"
	"github.com/kandev/agentbridge/internal/storage"
	"github.com/kandev/agentbridge/internal/taskstore"
)

type legacySession struct {
	SessionID      string    `json:"session_id"`
	ContextID      string    `json:"context_id"`
	ClientID       string    `json:"client_id"`
	AgentName      string    `json:"agent_name"`
	PID            int       `json:"pid"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

type legacyTask struct {
	TaskID        string  `json:"task_id"`
	ContextID     string  `json:"context_id"`
	OwnerClientID *string `json:"owner_client_id"`
	AgentName     string  `json:"agent_name"`
	Status        string  `json:"status"`
	CostUSD       float64 `json:"cost_usd"`
}

// Run looks for <dataDir>/sessions.json and <dataDir>/tasks.json, and if
// present, imports their contents into db one row at a time, with no
// enclosing transaction (a row that fails to import is logged and
// skipped), then renames each to "<name>.migrated". Absence of either
// file is not an error: a fresh install has nothing to migrate.
func Run(ctx context.Context, dataDir string, db *storage.DB, sessions *sessionstore.Store, tasks *taskstore.Store, log *logging.Logger) error {
	if err := migrateSessions(ctx, dataDir, sessions, log); err != nil {
		return fmt.Errorf("migrate: sessions: %w", err)
	}
	if err := migrateTasks(ctx, dataDir, tasks, log); err != nil {
		return fmt.Errorf("migrate: tasks: %w", err)
	}
	return nil
}

func migrateSessions(ctx context.Context, dataDir string, sessions *sessionstore.Store, log *logging.Logger) error {
	path := filepath.Join(dataDir, "sessions.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var legacy []legacySession
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for _, ls := range legacy {
		rec := &sessionstore.Record{
			SessionID:      ls.SessionID,
			ContextID:      ls.ContextID,
			ClientID:       ls.ClientID,
			AgentName:      ls.AgentName,
			PID:            ls.PID,
			State:          "dead", // presumed dead; startup reconciliation skips dead rows, but the orchestrator's live-orphan check still probes this PID on the next message for the context
			CreatedAt:      ls.CreatedAt,
			LastAccessedAt: ls.LastAccessedAt,
			Metadata:       map[string]any{"migrated_from": "legacy_json"},
		}
		if err := sessions.Create(ctx, rec); err != nil {
			log.Warn("failed to migrate legacy session", zap.String("session_id", ls.SessionID), zap.Error(err))
		}
	}

	log.Info("migrated legacy sessions", zap.Int("count", len(legacy)))
	return os.Rename(path, path+".migrated")
}

func migrateTasks(ctx context.Context, dataDir string, tasks *taskstore.Store, log *logging.Logger) error {
	path := filepath.Join(dataDir, "tasks.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var legacy []legacyTask
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for _, lt := range legacy {
		t := &taskstore.Task{
			TaskID:        lt.TaskID,
			ContextID:     lt.ContextID,
			OwnerClientID: lt.OwnerClientID,
			AgentName:     lt.AgentName,
			Status:        lt.Status,
			LastMessage:   map[string]any{},
			CostUSD:       lt.CostUSD,
		}
		if err := tasks.Create(ctx, t); err != nil {
			log.Warn("failed to migrate legacy task", zap.String("task_id", lt.TaskID), zap.Error(err))
		}
	}

	log.Info("migrated legacy tasks", zap.Int("count", len(legacy)))
	return os.Rename(path, path+".migrated")
}
