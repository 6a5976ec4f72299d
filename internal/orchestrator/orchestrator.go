// Package orchestrator implements the end-to-end request pipeline: parse
// content, resolve the agent, enforce scope and budget, bind the
// conversation's context to its first agent permanently, dispatch to a
// worker session, and record cost, grounded on the teacher's
// lifecycle.Manager orchestration of instance launch
// (internal/agent/lifecycle/manager.go) generalized from container launch
// to worker-cli dispatch.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/agent"
	"github.com/kandev/agentbridge/internal/apperr"
	"github.com/kandev/agentbridge/internal/auth"
	"github.com/kandev/agentbridge/internal/budget"
	"github.com/kandev/agentbridge/internal/content"
	"github.com/kandev/agentbridge/internal/logging"
	"github.com/kandev/agentbridge/internal/ratelimit"
	"github.com/kandev/agentbridge/internal/sessionpool"
	"github.com/kandev/agentbridge/internal/sessionstore"
	"github.com/kandev/agentbridge/internal/taskstore"
	"github.com/kandev/agentbridge/internal/worker"
	"github.com/kandev/agentbridge/pkg/a2a"
)

// Task lifecycle states.
const (
	StateSubmitted     = "submitted"
	StateWorking       = "working"
	StateInputRequired = "input-required"
	StateCompleted     = "completed"
	StateCanceled      = "canceled"
	StateFailed        = "failed"
)

// Orchestrator wires every subsystem into the single request pipeline
// described by the message/send operation.
type Orchestrator struct {
	log          *logging.Logger
	agents       *agent.Registry
	pool         *sessionpool.Pool
	sessions     *sessionstore.Store
	tasks        *taskstore.Store
	budgets      *budget.Tracker
	limiter      *ratelimit.Limiter
	destroyGrace time.Duration

	mu           sync.Mutex
	contextAgent map[string]string // contextId -> the agent it was first bound to, permanently
}

// New constructs an Orchestrator.
func New(
	agents *agent.Registry,
	pool *sessionpool.Pool,
	sessions *sessionstore.Store,
	tasks *taskstore.Store,
	budgets *budget.Tracker,
	limiter *ratelimit.Limiter,
	destroyGrace time.Duration,
	log *logging.Logger,
) *Orchestrator {
	return &Orchestrator{
		log:          log.WithFields(zap.String("component", "orchestrator")),
		agents:       agents,
		pool:         pool,
		sessions:     sessions,
		tasks:        tasks,
		budgets:      budgets,
		limiter:      limiter,
		destroyGrace: destroyGrace,
		contextAgent: make(map[string]string),
	}
}

// SendParams is the input to Send, already authenticated by the gin
// middleware layer; identity carries the caller's resolved scopes and
// overrides.
type SendParams struct {
	Identity  auth.Identity
	Message   a2a.Message
	AgentName string // explicit agent override; message metadata wins if both are set
}

// Send runs the full pipeline for one message/send call. Errors that are
// a normal part of the protocol (capacity, budget, timeout, a busy or
// dead session, a bad agent reference, an empty message) come back as a
// failed-task reply with a user-visible reason; only authentication,
// scope, and rate-limit failures surface as transport-level errors, with
// their HTTP statuses.
func (o *Orchestrator) Send(ctx context.Context, params SendParams) (*a2a.Task, error) {
	clientID := params.Identity.ClientID
	if params.Identity.IsSharedSecret {
		clientID = "master"
	}

	rpmOverride := 0
	if params.Identity.RateLimitRPM != nil {
		rpmOverride = *params.Identity.RateLimitRPM
	}
	if allowed, retryAfter := o.limiter.Allow(clientID, rpmOverride); !allowed {
		return nil, apperr.RateLimited(retryAfter)
	}

	contextID := params.Message.ContextID
	if contextID == "" {
		contextID = uuid.NewString()
	}
	taskID := params.Message.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	requestedAgent := params.Message.AgentHint()
	if requestedAgent == "" {
		requestedAgent = params.AgentName
	}
	agentName, err := o.resolveAgent(contextID, requestedAgent)
	if err != nil {
		return o.failureTask(ctx, clientID, taskID, contextID, "", err)
	}

	def, ok := o.agents.Get(agentName)
	if !ok || !def.Enabled {
		return o.failureTask(ctx, clientID, taskID, contextID, agentName, apperr.AgentNotFound(agentName))
	}

	for _, required := range def.RequiredScopes {
		if !params.Identity.HasScope(required) {
			return nil, apperr.ScopeDenied(required)
		}
	}

	payload, err := content.Parse(params.Message.Parts)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if content.IsEmpty(payload) {
		return o.failureTask(ctx, clientID, taskID, contextID, agentName, apperr.InvalidRequest("message has no content"))
	}

	clientLimit := 0.0
	if params.Identity.BudgetDailyUSD != nil {
		clientLimit = *params.Identity.BudgetDailyUSD
	}
	if err := o.budgets.CheckAndReserve(ctx, clientID, clientLimit, 0); err != nil {
		return o.failureTask(ctx, clientID, taskID, contextID, agentName, err)
	}

	if pid, live := o.liveOrphan(contextID); live {
		return o.orphanTask(ctx, clientID, taskID, contextID, agentName, pid)
	}

	resumeSessionID := ""
	priorRecord, hadPriorRecord := o.sessions.ByContext(contextID)
	if hadPriorRecord {
		resumeSessionID = priorRecord.SessionID
	}

	// Persist the task as working before touching a worker, so a crash or
	// graceful release mid-turn leaves a row the shutdown path can mark
	// for reconnection.
	task := &taskstore.Task{
		TaskID:        taskID,
		ContextID:     contextID,
		OwnerClientID: ownerFor(clientID),
		AgentName:     agentName,
		Status:        StateWorking,
	}
	if err := o.tasks.Create(ctx, task); err != nil {
		o.log.Warn("failed to persist task", zap.Error(err))
	}
	o.sessions.BindTask(taskID, contextID)

	sess, err := o.pool.Get(ctx, contextID, agentName, resumeSessionID)
	if err != nil {
		return o.finishFailed(ctx, task, err)
	}

	reply, err := sess.SendMessage(ctx, payload)
	if err != nil {
		if ae, ok := apperr.As(err); ok && ae.Code == apperr.CodeWorkerSpawnFailed {
			o.log.Warn("worker failed", zap.String("context_id", contextID), zap.String("stderr_tail", sess.StderrTail()))
		}
		return o.finishFailed(ctx, task, err)
	}

	o.recordSession(ctx, sess, clientID, agentName, contextID, hadPriorRecord, reply.CostUSD)

	if reply.CostUSD > 0 {
		if err := o.budgets.Record(ctx, clientID, reply.CostUSD); err != nil {
			o.log.Warn("failed to record budget spend", zap.Error(err))
		}
	}

	state := StateCompleted
	if reply.IsError {
		state = StateFailed
	}

	replyMsg := a2a.Message{
		MessageID: uuid.NewString(),
		Role:      "agent",
		Parts:     []a2a.ContentBlock{{Kind: "text", Text: reply.Text}},
		ContextID: contextID,
		TaskID:    taskID,
		Metadata:  claudeEnvelope(agentName, contextID, reply),
	}

	task.Status = state
	task.LastMessage = messageToMap(replyMsg)
	task.CostUSD = reply.CostUSD
	if err := o.tasks.Update(ctx, task); err != nil {
		o.log.Warn("failed to finalize task", zap.Error(err))
	}

	return &a2a.Task{
		ID:        taskID,
		ContextID: contextID,
		Status: a2a.TaskStatus{
			State:     state,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Message:   &replyMsg,
		},
	}, nil
}

// claudeEnvelope builds the metadata attached to every agent reply: the
// accounting tuple remote agents use to track spend and usage, under the
// "claude" key, plus an error_type marker when the worker denied tool
// permissions during the turn.
func claudeEnvelope(agentName, contextID string, reply *worker.Reply) map[string]any {
	env := map[string]any{
		"claude": map[string]any{
			"agent":           agentName,
			"session_id":      reply.SessionID,
			"cost_usd":        reply.CostUSD,
			"duration_ms":     reply.DurationMs,
			"duration_api_ms": reply.DurationAPIMs,
			"model_used":      reply.Model,
			"num_turns":       reply.NumTurns,
			"usage": map[string]any{
				"input_tokens":                reply.Usage.InputTokens,
				"output_tokens":               reply.Usage.OutputTokens,
				"cache_creation_input_tokens": reply.Usage.CacheCreationInputTokens,
				"cache_read_input_tokens":     reply.Usage.CacheReadInputTokens,
			},
			"permission_denials": reply.PermissionDenials,
			"context":            contextID,
		},
	}
	if len(reply.PermissionDenials) > 0 {
		env["error_type"] = "permission_denied"
	}
	return env
}

// failureTask persists and returns a failed task whose status message
// carries the user-visible reason, for every error that is a normal part
// of the protocol rather than a transport failure.
func (o *Orchestrator) failureTask(ctx context.Context, clientID, taskID, contextID, agentName string, cause error) (*a2a.Task, error) {
	reason := "worker failed"
	if ae, ok := apperr.As(cause); ok {
		reason = ae.Message
	}
	return o.replyTask(ctx, clientID, taskID, contextID, agentName, StateFailed, reason, nil)
}

// orphanTask reports a still-running worker from a prior server lifetime:
// no new worker is spawned, and the caller gets the orphan's PID in
// metadata so it can decide to cancel or wait.
func (o *Orchestrator) orphanTask(ctx context.Context, clientID, taskID, contextID, agentName string, pid int) (*a2a.Task, error) {
	text := fmt.Sprintf("a previous worker process for this context is still running (pid %d); cancel it or retry once it finishes", pid)
	return o.replyTask(ctx, clientID, taskID, contextID, agentName, StateInputRequired, text, map[string]any{"orphan_pid": pid})
}

func (o *Orchestrator) replyTask(ctx context.Context, clientID, taskID, contextID, agentName, state, text string, metadata map[string]any) (*a2a.Task, error) {
	msg := a2a.Message{
		MessageID: uuid.NewString(),
		Role:      "agent",
		Parts:     []a2a.ContentBlock{{Kind: "text", Text: text}},
		ContextID: contextID,
		TaskID:    taskID,
		Metadata:  metadata,
	}

	task := &taskstore.Task{
		TaskID:        taskID,
		ContextID:     contextID,
		OwnerClientID: ownerFor(clientID),
		AgentName:     agentName,
		Status:        state,
		LastMessage:   messageToMap(msg),
	}
	if err := o.tasks.Create(ctx, task); err != nil {
		o.log.Debug("failed to persist reply task", zap.Error(err))
	}

	return &a2a.Task{
		ID:        taskID,
		ContextID: contextID,
		Status: a2a.TaskStatus{
			State:     state,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Message:   &msg,
		},
	}, nil
}

// finishFailed marks an already-created task failed with the dispatch
// error's user-visible reason and returns the matching reply.
func (o *Orchestrator) finishFailed(ctx context.Context, task *taskstore.Task, cause error) (*a2a.Task, error) {
	reason := "worker failed"
	if ae, ok := apperr.As(cause); ok {
		reason = ae.Message
	}

	msg := a2a.Message{
		MessageID: uuid.NewString(),
		Role:      "agent",
		Parts:     []a2a.ContentBlock{{Kind: "text", Text: reason}},
		ContextID: task.ContextID,
		TaskID:    task.TaskID,
	}
	task.Status = StateFailed
	task.LastMessage = messageToMap(msg)
	if err := o.tasks.Update(ctx, task); err != nil {
		o.log.Warn("failed to mark task failed", zap.Error(err))
	}

	return &a2a.Task{
		ID:        task.TaskID,
		ContextID: task.ContextID,
		Status: a2a.TaskStatus{
			State:     StateFailed,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Message:   &msg,
		},
	}, nil
}

// resolveAgent returns the agent permanently bound to contextID, or binds
// a brand-new contextId to requestedAgent if this is its first message.
// A later call that supplies a different, non-empty agent name for an
// already-bound contextId is rejected with AgentMismatch, since the spec
// pins context-to-agent permanently at first use. A brand-new contextId
// with no requested agent falls back to the first enabled agent in
// configuration order, rather than forcing every caller to name one.
func (o *Orchestrator) resolveAgent(contextID, requestedAgent string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if bound, ok := o.contextAgent[contextID]; ok {
		if requestedAgent != "" && requestedAgent != bound {
			return "", apperr.AgentMismatch(bound, requestedAgent)
		}
		return bound, nil
	}

	// A restart clears the in-memory binding; the durable session row
	// still pins the context to its first agent.
	if rec, ok := o.sessions.ByContext(contextID); ok {
		if requestedAgent != "" && requestedAgent != rec.AgentName {
			return "", apperr.AgentMismatch(rec.AgentName, requestedAgent)
		}
		o.contextAgent[contextID] = rec.AgentName
		return rec.AgentName, nil
	}

	if requestedAgent == "" {
		def, ok := o.agents.FirstEnabled()
		if !ok {
			return "", apperr.InvalidRequest("no enabled agents are configured")
		}
		requestedAgent = def.Name
	}
	o.contextAgent[contextID] = requestedAgent
	return requestedAgent, nil
}

// recordSession keeps SessionMetadata in sync with the worker actually
// dispatched to: the first successful turn for a contextId creates its
// row, every turn thereafter touches it and accumulates usage.
func (o *Orchestrator) recordSession(ctx context.Context, sess *worker.Session, clientID, agentName, contextID string, hadPriorRecord bool, costUSD float64) {
	sessionID := sess.SessionID()
	if sessionID == "" {
		sessionID = contextID
	}

	if !hadPriorRecord {
		rec := &sessionstore.Record{
			SessionID:    sessionID,
			ContextID:    contextID,
			ClientID:     clientID,
			AgentName:    agentName,
			PID:          sess.PID(),
			State:        sess.State().String(),
			ProcessAlive: sess.State() != worker.StateDead,
			Metadata:     map[string]any{},
		}
		if err := o.sessions.Create(ctx, rec); err != nil {
			o.log.Warn("failed to persist session record", zap.Error(err))
		}
	} else {
		// A resumed worker may report a new session id; the row to update
		// is the one already stored for this context.
		if rec, ok := o.sessions.ByContext(contextID); ok {
			sessionID = rec.SessionID
		}
		if err := o.sessions.Touch(ctx, sessionID, sess.State().String(), sess.PID()); err != nil {
			o.log.Warn("failed to touch session record", zap.Error(err))
		}
	}

	if err := o.sessions.RecordUsage(ctx, sessionID, costUSD); err != nil {
		o.log.Warn("failed to record session usage", zap.Error(err))
	}
}

// liveOrphan reports whether contextID has a worker process from a prior
// server lifetime that is still running: no live in-memory session, but a
// durable record whose process was never reconfirmed after restart and
// whose PID still answers a signal-0 check.
func (o *Orchestrator) liveOrphan(contextID string) (int, bool) {
	if _, ok := o.pool.Lookup(contextID); ok {
		return 0, false
	}
	rec, ok := o.sessions.ByContext(contextID)
	if !ok {
		return 0, false
	}
	if !rec.ProcessAlive && rec.PID > 0 && worker.IsProcessAlive(rec.PID) {
		return rec.PID, true
	}
	return 0, false
}

// ownerFor stamps the task owner. Shared-secret callers own their tasks
// as "master" like any other client; only a truly internal call (no
// client identity at all) leaves the owner null.
func ownerFor(clientID string) *string {
	if clientID == "" {
		return nil
	}
	v := clientID
	return &v
}

func messageToMap(m a2a.Message) map[string]any {
	parts := make([]map[string]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		parts = append(parts, map[string]any{"kind": p.Kind, "text": p.Text, "uri": p.URI})
	}
	out := map[string]any{
		"messageId": m.MessageID,
		"role":      m.Role,
		"parts":     parts,
	}
	if len(m.Metadata) > 0 {
		out["metadata"] = m.Metadata
	}
	return out
}

// Cancel forcibly terminates the worker session for a task's contextId,
// reaching an orphaned process by PID if no in-memory session survives.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string, callerClientID string, isSharedSecret bool) error {
	task, err := o.tasks.Load(ctx, taskID, callerClientID, isSharedSecret)
	if err != nil {
		return err
	}

	orphanPID := 0
	if rec, ok := o.sessions.ByContext(task.ContextID); ok {
		orphanPID = rec.PID
	} else if pid, err := o.sessions.LastPID(ctx, task.ContextID); err == nil {
		orphanPID = pid
	}

	if err := o.pool.CancelByTaskID(ctx, task.ContextID, orphanPID, o.destroyGrace); err != nil {
		return fmt.Errorf("orchestrator: cancel: %w", err)
	}

	task.Status = StateCanceled
	return o.tasks.Update(ctx, task)
}

// GetTask loads one task under the ownership access policy, for the
// tasks/get surface.
func (o *Orchestrator) GetTask(ctx context.Context, taskID, callerClientID string, isSharedSecret bool) (*a2a.Task, error) {
	task, err := o.tasks.Load(ctx, taskID, callerClientID, isSharedSecret)
	if err != nil {
		return nil, err
	}

	out := &a2a.Task{
		ID:        task.TaskID,
		ContextID: task.ContextID,
		Status: a2a.TaskStatus{
			State:     task.Status,
			Timestamp: task.UpdatedAt.UTC().Format(time.RFC3339),
		},
	}
	if len(task.LastMessage) > 0 {
		out.Status.Message = mapToMessage(task.LastMessage, task.ContextID, task.TaskID)
	}
	return out, nil
}

func mapToMessage(m map[string]any, contextID, taskID string) *a2a.Message {
	msg := &a2a.Message{ContextID: contextID, TaskID: taskID}
	msg.MessageID, _ = m["messageId"].(string)
	msg.Role, _ = m["role"].(string)
	if meta, ok := m["metadata"].(map[string]any); ok {
		msg.Metadata = meta
	}
	if parts, ok := m["parts"].([]any); ok {
		for _, p := range parts {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			block := a2a.ContentBlock{}
			block.Kind, _ = pm["kind"].(string)
			block.Text, _ = pm["text"].(string)
			block.URI, _ = pm["uri"].(string)
			msg.Parts = append(msg.Parts, block)
		}
	}
	return msg
}
