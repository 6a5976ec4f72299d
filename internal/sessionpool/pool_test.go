package sessionpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbridge/internal/apperr"
	"github.com/kandev/agentbridge/internal/logging"
	"github.com/kandev/agentbridge/internal/worker"
)

func echoSpawner(ctx context.Context, agentName, resumeSessionID string) (worker.Config, error) {
	return worker.Config{
		Command: "/bin/sh",
		Args:    []string{"-c", `echo '{"type":"system","subtype":"init","model":"test-model"}'; while IFS= read -r line; do echo '{"type":"result","result":"ok","cost_usd":0,"duration_ms":1,"is_error":false}'; done`},
	}, nil
}

func TestGetSpawnsThenReusesSameSession(t *testing.T) {
	p := New(echoSpawner, 0, logging.Default())

	s1, err := p.Get(context.Background(), "ctx-1", "coder", "")
	require.NoError(t, err)

	s2, err := p.Get(context.Background(), "ctx-1", "coder", "")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, p.Size())

	p.ReleaseAll(context.Background(), nil)
}

func TestGetRejectsOverCapacity(t *testing.T) {
	p := New(echoSpawner, 1, logging.Default())

	_, err := p.Get(context.Background(), "ctx-1", "coder", "")
	require.NoError(t, err)

	_, err = p.Get(context.Background(), "ctx-2", "coder", "")
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeCapacity, appErr.Code)

	p.ReleaseAll(context.Background(), nil)
}

func TestEvictDestroysAndRemovesSession(t *testing.T) {
	p := New(echoSpawner, 0, logging.Default())

	s, err := p.Get(context.Background(), "ctx-1", "coder", "")
	require.NoError(t, err)

	p.Evict(context.Background(), "ctx-1", time.Second)

	assert.Equal(t, worker.StateDead, s.State())
	_, ok := p.Lookup("ctx-1")
	assert.False(t, ok)
}

func TestReleaseAllDetachesWithoutKilling(t *testing.T) {
	p := New(echoSpawner, 0, logging.Default())

	s, err := p.Get(context.Background(), "ctx-1", "coder", "")
	require.NoError(t, err)
	pid := s.PID()

	p.ReleaseAll(context.Background(), nil)

	assert.Equal(t, worker.StateDead, s.State())
	assert.True(t, worker.IsProcessAlive(pid))
	_, ok := p.Lookup("ctx-1")
	assert.False(t, ok)

	s.Destroy(context.Background(), time.Second)
}

func TestKillAllDestroysEverySession(t *testing.T) {
	p := New(echoSpawner, 0, logging.Default())

	s1, err := p.Get(context.Background(), "ctx-1", "coder", "")
	require.NoError(t, err)
	s2, err := p.Get(context.Background(), "ctx-2", "coder", "")
	require.NoError(t, err)

	p.KillAll(context.Background(), time.Second)

	assert.Equal(t, worker.StateDead, s1.State())
	assert.Equal(t, worker.StateDead, s2.State())
	assert.Equal(t, 0, p.Size())
}

func TestCancelByTaskIDDestroysLiveSession(t *testing.T) {
	p := New(echoSpawner, 0, logging.Default())

	s, err := p.Get(context.Background(), "ctx-1", "coder", "")
	require.NoError(t, err)

	require.NoError(t, p.CancelByTaskID(context.Background(), "ctx-1", 0, time.Second))
	assert.Equal(t, worker.StateDead, s.State())
}

func TestConcurrentGetCollapsesIntoOneSpawn(t *testing.T) {
	p := New(echoSpawner, 0, logging.Default())

	results := make(chan *worker.Session, 4)
	for i := 0; i < 4; i++ {
		go func() {
			s, err := p.Get(context.Background(), "ctx-shared", "coder", "")
			require.NoError(t, err)
			results <- s
		}()
	}

	first := <-results
	for i := 0; i < 3; i++ {
		s := <-results
		assert.Same(t, first, s)
	}

	p.ReleaseAll(context.Background(), nil)
}
