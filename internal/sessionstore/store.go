// Package sessionstore is the durable index of every worker session ever
// created, backed by SQLite and mirrored into four in-memory indices for
// lookup by sessionId, contextId, taskId and client, grounded on the dual
// store pattern in the teacher's task/repository (durable rows) plus
// lifecycle.Manager's in-memory instances/byTask/byContainer maps
// (internal/agent/lifecycle/manager.go), merged into one component.
package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/apperr"
	"github.com/kandev/agentbridge/internal/logging"
	"github.com/kandev/agentbridge/internal/storage"
)

// Record is one durable session row. ProcessAlive tracks whether this
// server process currently owns a live worker for the session; it is
// always false immediately after a restart, until a new dispatch
// reconfirms it, which is what makes a still-running PID from a prior
// lifetime detectable as an orphan.
type Record struct {
	SessionID      string
	ContextID      string
	ClientID       string
	AgentName      string
	PID            int
	ProcessAlive   bool
	State          string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	Metadata       map[string]any
}

// Store is the durable + in-memory session index.
type Store struct {
	db  *storage.DB
	log *logging.Logger

	maxPerClient int
	evict        Releaser

	mu        sync.RWMutex
	bySession map[string]*Record
	byContext map[string]*Record
	byTaskID  map[string]*Record // taskId is bound to a session via its contextId at assignment time
	byClient  map[string][]*Record

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Store and loads every existing row into memory.
func New(db *storage.DB, maxPerClient int, log *logging.Logger) (*Store, error) {
	s := &Store{
		db:           db,
		log:          log.WithFields(zap.String("component", "session-store")),
		maxPerClient: maxPerClient,
		bySession:    make(map[string]*Record),
		byContext:    make(map[string]*Record),
		byTaskID:     make(map[string]*Record),
		byClient:     make(map[string][]*Record),
		stop:         make(chan struct{}),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetEvictor installs the callback that destroys the live worker behind
// an evicted session, supplied by the sessionpool so per-client capacity
// eviction actually frees the process, not just the row.
func (s *Store) SetEvictor(evict Releaser) {
	s.evict = evict
}

func (s *Store) loadAll() error {
	rows, err := s.db.Conn.Query(`SELECT session_id, context_id, client_id, agent_name, pid, state, created_at, last_accessed_at, metadata FROM sessions`)
	if err != nil {
		return fmt.Errorf("sessionstore: load: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r := &Record{}
		var metaJSON string
		if err := rows.Scan(&r.SessionID, &r.ContextID, &r.ClientID, &r.AgentName, &r.PID, &r.State, &r.CreatedAt, &r.LastAccessedAt, &metaJSON); err != nil {
			return err
		}
		r.Metadata = map[string]any{}
		_ = json.Unmarshal([]byte(metaJSON), &r.Metadata)
		// Worker processes never survive a restart of this server; a row
		// whose PID is still alive at the OS level is an orphan until a
		// dispatch reconfirms ownership.
		r.ProcessAlive = false
		s.indexLocked(r)
	}
	return rows.Err()
}

func (s *Store) indexLocked(r *Record) {
	s.bySession[r.SessionID] = r
	s.byContext[r.ContextID] = r
	s.byClient[r.ClientID] = append(s.byClient[r.ClientID], r)
}

// Create inserts a new session record, evicting the oldest record for the
// same client (and its live worker, via the installed evictor) if it
// would exceed maxPerClient.
func (s *Store) Create(ctx context.Context, r *Record) error {
	s.mu.Lock()
	existing := s.byClient[r.ClientID]
	if s.maxPerClient > 0 && len(existing) >= s.maxPerClient {
		oldest := oldestByAccess(existing)
		s.mu.Unlock()
		if oldest != nil {
			if s.evict != nil {
				s.evict(ctx, oldest.ContextID, 5*time.Second)
			}
			if err := s.Delete(ctx, oldest.SessionID); err != nil {
				return err
			}
		}
		s.mu.Lock()
	}
	s.mu.Unlock()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.LastAccessedAt.IsZero() {
		r.LastAccessedAt = r.CreatedAt
	}

	metaJSON, _ := json.Marshal(r.Metadata)
	_, err := s.db.Conn.ExecContext(ctx, `
		INSERT INTO sessions (session_id, context_id, client_id, agent_name, pid, process_alive, state, created_at, last_accessed_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.ContextID, r.ClientID, r.AgentName, r.PID, r.ProcessAlive, r.State, r.CreatedAt, r.LastAccessedAt, string(metaJSON))
	if err != nil {
		return fmt.Errorf("sessionstore: insert: %w", err)
	}

	s.mu.Lock()
	s.indexLocked(r)
	s.mu.Unlock()
	return nil
}

func oldestByAccess(records []*Record) *Record {
	var oldest *Record
	for _, r := range records {
		if oldest == nil || r.LastAccessedAt.Before(oldest.LastAccessedAt) {
			oldest = r
		}
	}
	return oldest
}

// Touch updates state, pid, process liveness, and last-accessed
// timestamp for a session. A touch with a non-dead state reconfirms that
// this server owns the live process again.
func (s *Store) Touch(ctx context.Context, sessionID, state string, pid int) error {
	now := time.Now().UTC()
	alive := state != "dead"
	_, err := s.db.Conn.ExecContext(ctx, `UPDATE sessions SET state = ?, pid = ?, process_alive = ?, last_accessed_at = ? WHERE session_id = ?`,
		state, pid, alive, now, sessionID)
	if err != nil {
		return fmt.Errorf("sessionstore: touch: %w", err)
	}

	s.mu.Lock()
	if r, ok := s.bySession[sessionID]; ok {
		r.State = state
		r.PID = pid
		r.ProcessAlive = alive
		r.LastAccessedAt = now
	}
	s.mu.Unlock()
	return nil
}

// MarkAllProcessesDead flips process_alive off for every row, durably and
// in memory. The shutdown path calls this after releasing sessions, so
// the next server lifetime sees every still-running worker as an orphan
// rather than as its own.
func (s *Store) MarkAllProcessesDead(ctx context.Context) error {
	_, err := s.db.Conn.ExecContext(ctx, `UPDATE sessions SET process_alive = 0`)
	if err != nil {
		return fmt.Errorf("sessionstore: mark processes dead: %w", err)
	}

	s.mu.Lock()
	for _, r := range s.bySession {
		r.ProcessAlive = false
	}
	s.mu.Unlock()
	return nil
}

// LastPID reads the last recorded worker PID for a context from the
// durable store rather than the in-memory indices, or 0 when no row
// exists. Delete removes the durable row together with the in-memory
// one, so a deleted or evicted context reports 0.
func (s *Store) LastPID(ctx context.Context, contextID string) (int, error) {
	var pid int
	err := s.db.Conn.QueryRowContext(ctx, `SELECT pid FROM sessions WHERE context_id = ?`, contextID).Scan(&pid)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sessionstore: last pid: %w", err)
	}
	return pid, nil
}

// RecordUsage accumulates cost and message count into a session's
// metadata after a dispatched turn, so SessionMetadata reflects real
// conversation spend rather than staying at its initial zero value.
func (s *Store) RecordUsage(ctx context.Context, sessionID string, costUSD float64) error {
	s.mu.Lock()
	r, ok := s.bySession[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	prevCost, _ := r.Metadata["total_cost_usd"].(float64)
	prevCount, _ := r.Metadata["message_count"].(float64)
	r.Metadata["total_cost_usd"] = prevCost + costUSD
	r.Metadata["message_count"] = prevCount + 1
	metaJSON, err := json.Marshal(r.Metadata)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("sessionstore: marshal metadata: %w", err)
	}

	_, err = s.db.Conn.ExecContext(ctx, `UPDATE sessions SET metadata = ? WHERE session_id = ?`, string(metaJSON), sessionID)
	if err != nil {
		return fmt.Errorf("sessionstore: record usage: %w", err)
	}
	return nil
}

// BindTask associates a taskId with the session owning its contextId.
func (s *Store) BindTask(taskID, contextID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.byContext[contextID]; ok {
		s.byTaskID[taskID] = r
	}
}

// ByContext returns the record for a contextId.
func (s *Store) ByContext(contextID string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byContext[contextID]
	return r, ok
}

// ByTaskID returns the record bound to a taskId.
func (s *Store) ByTaskID(taskID string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byTaskID[taskID]
	return r, ok
}

// BySession returns the record for a sessionId.
func (s *Store) BySession(sessionID string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.bySession[sessionID]
	return r, ok
}

// ByClient lists every record owned by a client.
func (s *Store) ByClient(clientID string) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, len(s.byClient[clientID]))
	copy(out, s.byClient[clientID])
	return out
}

// All lists every known record, used by startup orphan reconciliation.
func (s *Store) All() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.bySession))
	for _, r := range s.bySession {
		out = append(out, r)
	}
	return out
}

// Delete removes a session record from both the durable store and every
// in-memory index.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.Conn.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("sessionstore: delete: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.bySession[sessionID]
	if !ok {
		return nil
	}
	delete(s.bySession, sessionID)
	delete(s.byContext, r.ContextID)
	for taskID, tr := range s.byTaskID {
		if tr.SessionID == sessionID {
			delete(s.byTaskID, taskID)
		}
	}
	clientRecords := s.byClient[r.ClientID]
	for i, cr := range clientRecords {
		if cr.SessionID == sessionID {
			s.byClient[r.ClientID] = append(clientRecords[:i], clientRecords[i+1:]...)
			break
		}
	}
	return nil
}

// NotFoundIfAbsent is a small helper so callers can turn a bool into the
// uniform apperr without duplicating the construction everywhere.
func NotFoundIfAbsent(ok bool) error {
	if ok {
		return nil
	}
	return apperr.TaskNotFound()
}
