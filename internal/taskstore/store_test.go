package taskstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbridge/internal/apperr"
	"github.com/kandev/agentbridge/internal/logging"
	"github.com/kandev/agentbridge/internal/storage"
)

func newTestTaskStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := storage.Open(path, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func ownerPtr(id string) *string { return &id }

func TestCreateThenLoadByOwner(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()

	task := &Task{TaskID: "task-1", ContextID: "ctx-1", OwnerClientID: ownerPtr("client-a"), AgentName: "coder", Status: "working", LastMessage: map[string]any{}}
	require.NoError(t, s.Create(ctx, task))

	loaded, err := s.Load(ctx, "task-1", "client-a", false)
	require.NoError(t, err)
	assert.Equal(t, "working", loaded.Status)
}

func TestLoadDeniesNonOwnerAsNotFound(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()

	task := &Task{TaskID: "task-1", ContextID: "ctx-1", OwnerClientID: ownerPtr("client-a"), AgentName: "coder", Status: "working", LastMessage: map[string]any{}}
	require.NoError(t, s.Create(ctx, task))

	_, err := s.Load(ctx, "task-1", "client-b", false)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeTaskNotFound, appErr.Code)
}

func TestLoadAllowsSharedSecretTierRegardlessOfOwner(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()

	task := &Task{TaskID: "task-1", ContextID: "ctx-1", OwnerClientID: ownerPtr("client-a"), AgentName: "coder", Status: "working", LastMessage: map[string]any{}}
	require.NoError(t, s.Create(ctx, task))

	loaded, err := s.Load(ctx, "task-1", "client-b", true)
	require.NoError(t, err)
	assert.Equal(t, "task-1", loaded.TaskID)
}

func TestLoadAllowsAnyoneWhenTaskHasNoOwner(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()

	task := &Task{TaskID: "task-1", ContextID: "ctx-1", OwnerClientID: nil, AgentName: "coder", Status: "working", LastMessage: map[string]any{}}
	require.NoError(t, s.Create(ctx, task))

	loaded, err := s.Load(ctx, "task-1", "client-b", false)
	require.NoError(t, err)
	assert.Equal(t, "task-1", loaded.TaskID)
}

func TestUpdateNeverChangesOwner(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()

	task := &Task{TaskID: "task-1", ContextID: "ctx-1", OwnerClientID: ownerPtr("client-a"), AgentName: "coder", Status: "working", LastMessage: map[string]any{}}
	require.NoError(t, s.Create(ctx, task))

	update := &Task{TaskID: "task-1", OwnerClientID: ownerPtr("client-b"), Status: "completed", LastMessage: map[string]any{}, CostUSD: 0.5}
	require.NoError(t, s.Update(ctx, update))

	loaded, err := s.Load(ctx, "task-1", "client-a", false)
	require.NoError(t, err)
	assert.Equal(t, "completed", loaded.Status)
	require.NotNil(t, loaded.OwnerClientID)
	assert.Equal(t, "client-a", *loaded.OwnerClientID)
}

func TestUpdateUnknownTaskReturnsNotFound(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()

	err := s.Update(ctx, &Task{TaskID: "missing", Status: "completed", LastMessage: map[string]any{}})
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeTaskNotFound, appErr.Code)
}

func TestByContextReturnsEveryTaskForContext(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Task{TaskID: "task-1", ContextID: "ctx-1", AgentName: "coder", Status: "working", LastMessage: map[string]any{}}))
	require.NoError(t, s.Create(ctx, &Task{TaskID: "task-2", ContextID: "ctx-1", AgentName: "coder", Status: "working", LastMessage: map[string]any{}}))

	tasks, err := s.ByContext(ctx, "ctx-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
}
