// Package sessionpool multiplexes A2A contextIds onto worker sessions,
// grounded on the teacher's lifecycle.Manager instance map
// (internal/agent/lifecycle/manager.go) generalized from container
// instances to worker-cli processes, with golang.org/x/sync/singleflight
// collapsing concurrent first-message races for the same contextId into a
// single spawn.
package sessionpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/agentbridge/internal/apperr"
	"github.com/kandev/agentbridge/internal/logging"
	"github.com/kandev/agentbridge/internal/taskstore"
	"github.com/kandev/agentbridge/internal/worker"
)

// Spawner constructs the worker.Config for a given agent, letting the
// pool stay agnostic of agent registry lookups. resumeSessionID, if
// non-empty, is a prior worker-assigned session identifier the spawned
// process should be resumed from.
type Spawner func(ctx context.Context, agentName, resumeSessionID string) (worker.Config, error)

// Pool owns every live worker.Session, keyed by contextId. A Session has
// no typed field pointing at the Pool; it reports its death through the
// DeathCallback the pool supplies at spawn, which receives only the plain
// contextId token.
type Pool struct {
	log     *logging.Logger
	spawn   Spawner
	maxSize int

	mu       sync.RWMutex
	sessions map[string]*worker.Session // contextId -> session

	group singleflight.Group
}

// New constructs a Pool bounded to maxSize concurrent worker sessions.
func New(spawn Spawner, maxSize int, log *logging.Logger) *Pool {
	return &Pool{
		log:      log.WithFields(zap.String("component", "session-pool")),
		spawn:    spawn,
		maxSize:  maxSize,
		sessions: make(map[string]*worker.Session),
	}
}

// Get returns the existing session for contextID, spawning one bound to
// agentName if none exists yet. Concurrent callers for the same, not yet
// existing contextID are collapsed onto one spawn via singleflight rather
// than racing to create duplicate worker processes.
func (p *Pool) Get(ctx context.Context, contextID, agentName, resumeSessionID string) (*worker.Session, error) {
	p.mu.RLock()
	if s, ok := p.sessions[contextID]; ok && s.State() != worker.StateDead {
		p.mu.RUnlock()
		return s, nil
	}
	p.mu.RUnlock()

	v, err, _ := p.group.Do(contextID, func() (interface{}, error) {
		p.mu.RLock()
		if s, ok := p.sessions[contextID]; ok && s.State() != worker.StateDead {
			p.mu.RUnlock()
			return s, nil
		}
		p.mu.RUnlock()

		p.mu.Lock()
		if p.maxSize > 0 && len(p.sessions) >= p.maxSize {
			p.mu.Unlock()
			return nil, apperr.Capacity()
		}
		p.mu.Unlock()

		cfg, err := p.spawn(ctx, agentName, resumeSessionID)
		if err != nil {
			return nil, err
		}

		s, err := worker.Spawn(ctx, contextID, agentName, cfg, p.log, p.onDeath)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.sessions[contextID] = s
		p.mu.Unlock()

		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*worker.Session), nil
}

// Lookup returns the session for contextID without spawning one.
func (p *Pool) Lookup(contextID string) (*worker.Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[contextID]
	return s, ok
}

// CancelByTaskID reaches a session for forced cancellation, including one
// left over from a prior server process: contextID selects the in-memory
// session and, if that is gone, orphanPID (the last known PID) lets an
// orphan still be reached via signal-0 liveness check and SIGTERM/SIGKILL.
func (p *Pool) CancelByTaskID(ctx context.Context, contextID string, orphanPID int, grace time.Duration) error {
	p.mu.Lock()
	s, ok := p.sessions[contextID]
	if ok {
		delete(p.sessions, contextID)
	}
	p.mu.Unlock()

	if ok {
		s.Destroy(ctx, grace)
		return nil
	}

	if orphanPID > 0 && worker.IsProcessAlive(orphanPID) {
		return worker.TerminatePID(orphanPID, grace)
	}
	return nil
}

// Evict forcibly terminates one session (SIGTERM then SIGKILL), used by
// the idle/lifetime sweeper: an idle or over-lifetime worker is actually
// killed, not merely detached.
func (p *Pool) Evict(ctx context.Context, contextID string, grace time.Duration) {
	p.mu.Lock()
	s, ok := p.sessions[contextID]
	if ok {
		delete(p.sessions, contextID)
	}
	p.mu.Unlock()

	if ok {
		s.Destroy(ctx, grace)
	}
}

// KillAll destroys every live session and clears the index, used by
// tests and by cancel-everything admin flows. Unlike ReleaseAll this
// actually terminates the worker processes.
func (p *Pool) KillAll(ctx context.Context, grace time.Duration) {
	p.mu.Lock()
	sessions := make([]*worker.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*worker.Session)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *worker.Session) {
			defer wg.Done()
			s.Destroy(ctx, grace)
		}(s)
	}
	wg.Wait()
}

// ReleaseAll gracefully detaches every live session, used on server
// shutdown: each worker process is left running as a reconnectable
// orphan rather than killed, and every task still "working" is marked
// with a message telling the caller to reconnect with the same context.
// This releases processes; it does not destroy the durable session
// records, which survive for the next startup's reconciliation.
func (p *Pool) ReleaseAll(ctx context.Context, tasks *taskstore.Store) {
	p.mu.Lock()
	sessions := make([]*worker.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*worker.Session)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *worker.Session) {
			defer wg.Done()
			s.Release(ctx)
			if tasks != nil {
				markTasksForReconnect(ctx, tasks, s.ContextID)
			}
		}(s)
	}
	wg.Wait()
}

func markTasksForReconnect(ctx context.Context, tasks *taskstore.Store, contextID string) {
	inFlight, err := tasks.ByContext(ctx, contextID)
	if err != nil {
		return
	}
	for _, t := range inFlight {
		if t.Status != "working" && t.Status != "submitted" {
			continue
		}
		t.LastMessage = map[string]any{
			"role": "agent",
			"parts": []map[string]any{
				{"kind": "text", "text": "server restarting, reconnect with the same context to retrieve results"},
			},
		}
		_ = tasks.Update(ctx, t)
	}
}

// Size returns the current number of live sessions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

func (p *Pool) onDeath(contextID string) {
	p.mu.Lock()
	delete(p.sessions, contextID)
	p.mu.Unlock()
	p.log.Info("session removed from pool after death", zap.String("context_id", contextID))
}
