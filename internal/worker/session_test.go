package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbridge/internal/logging"
)

const echoWorkerScript = `echo '{"type":"system","subtype":"init","model":"test-model"}'
while IFS= read -r line; do
  echo '{"type":"result","result":"echo reply","cost_usd":0.01,"duration_ms":5,"is_error":false}'
done`

func TestSpawnReachesIdleAfterInitFrame(t *testing.T) {
	s, err := Spawn(context.Background(), "ctx-1", "coder",
		Config{Command: "/bin/sh", Args: []string{"-c", echoWorkerScript}}, logging.Default(), nil)
	require.NoError(t, err)
	defer s.Destroy(context.Background(), time.Second)

	require.Eventually(t, func() bool {
		return s.State() == StateIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendMessageReturnsReply(t *testing.T) {
	s, err := Spawn(context.Background(), "ctx-1", "coder",
		Config{Command: "/bin/sh", Args: []string{"-c", echoWorkerScript}, RequestTimeout: 2 * time.Second}, logging.Default(), nil)
	require.NoError(t, err)
	defer s.Destroy(context.Background(), time.Second)

	reply, err := s.SendMessage(context.Background(), MessagePayload{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "echo reply", reply.Text)
	assert.Equal(t, 0.01, reply.CostUSD)
	assert.Equal(t, StateIdle, s.State())
}

func TestSendMessageRejectsConcurrentCalls(t *testing.T) {
	s, err := Spawn(context.Background(), "ctx-1", "coder",
		Config{Command: "/bin/sh", Args: []string{"-c", "sleep 5"}, RequestTimeout: 3 * time.Second}, logging.Default(), nil)
	require.NoError(t, err)
	defer s.Destroy(context.Background(), time.Second)

	go func() {
		_, _ = s.SendMessage(context.Background(), MessagePayload{Text: "first"})
	}()
	time.Sleep(50 * time.Millisecond)

	_, err = s.SendMessage(context.Background(), MessagePayload{Text: "second"})
	assert.Error(t, err)
}

func TestDestroyMarksSessionDead(t *testing.T) {
	s, err := Spawn(context.Background(), "ctx-1", "coder",
		Config{Command: "/bin/sh", Args: []string{"-c", echoWorkerScript}}, logging.Default(), nil)
	require.NoError(t, err)

	s.Destroy(context.Background(), time.Second)
	assert.Equal(t, StateDead, s.State())
}

func TestDeathCallbackFiresOnProcessExit(t *testing.T) {
	done := make(chan string, 1)
	s, err := Spawn(context.Background(), "ctx-exit", "coder",
		Config{Command: "/bin/sh", Args: []string{"-c", "exit 0"}}, logging.Default(),
		func(contextID string) { done <- contextID })
	require.NoError(t, err)

	select {
	case ctxID := <-done:
		assert.Equal(t, "ctx-exit", ctxID)
	case <-time.After(2 * time.Second):
		t.Fatal("death callback did not fire")
	}
	assert.Equal(t, StateDead, s.State())
}

func TestIsProcessAliveFalseForInvalidPID(t *testing.T) {
	assert.False(t, IsProcessAlive(0))
	assert.False(t, IsProcessAlive(-1))
}

func TestReleaseLeavesProcessRunningAndIsIdempotent(t *testing.T) {
	s, err := Spawn(context.Background(), "ctx-1", "coder",
		Config{Command: "/bin/sh", Args: []string{"-c", echoWorkerScript}}, logging.Default(), nil)
	require.NoError(t, err)
	defer s.Destroy(context.Background(), time.Second)

	require.Eventually(t, func() bool {
		return s.State() == StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	pid := s.PID()
	s.Release(context.Background())
	assert.Equal(t, StateDead, s.State())
	assert.True(t, IsProcessAlive(pid))

	s.Release(context.Background())
	assert.Equal(t, StateDead, s.State())
}

func TestSpawnCapturesSessionIDFromInitFrame(t *testing.T) {
	script := `echo '{"type":"system","subtype":"init","model":"test-model","session_id":"sess-abc"}'
while IFS= read -r line; do
  echo '{"type":"result","result":"ok"}'
done`
	s, err := Spawn(context.Background(), "ctx-1", "coder",
		Config{Command: "/bin/sh", Args: []string{"-c", script}}, logging.Default(), nil)
	require.NoError(t, err)
	defer s.Destroy(context.Background(), time.Second)

	require.Eventually(t, func() bool {
		return s.SessionID() == "sess-abc"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSpawnPassesResumeSessionIDAsFlag(t *testing.T) {
	s, err := Spawn(context.Background(), "ctx-1", "coder",
		Config{Command: "/bin/sh", Args: []string{"-c", "cat >/dev/null"}, ResumeSessionID: "sess-prior"},
		logging.Default(), nil)
	require.NoError(t, err)
	defer s.Destroy(context.Background(), time.Second)

	assert.Equal(t, "sess-prior", s.SessionID())
	assert.Equal(t, []string{"/bin/sh", "-c", "cat >/dev/null", "--resume", "sess-prior"}, s.cmd.Args)
}

func TestTimeoutKeepsSessionAliveAndDiscardsLateResult(t *testing.T) {
	script := `echo '{"type":"system","subtype":"init","model":"test-model"}'
read line
sleep 2
echo '{"type":"result","result":"late answer"}'
read line
echo '{"type":"result","result":"fresh answer"}'
`
	s, err := Spawn(context.Background(), "ctx-1", "coder",
		Config{Command: "/bin/sh", Args: []string{"-c", script}, RequestTimeout: 500 * time.Millisecond}, logging.Default(), nil)
	require.NoError(t, err)
	defer s.Destroy(context.Background(), time.Second)

	_, err = s.SendMessage(context.Background(), MessagePayload{Text: "first"})
	require.Error(t, err, "the slow first turn must time out")
	assert.Equal(t, StateIdle, s.State(), "a timeout must not kill or wedge the session")

	// Let the late result arrive; it must be discarded, not delivered to
	// the next request.
	time.Sleep(2 * time.Second)

	reply, err := s.SendMessage(context.Background(), MessagePayload{Text: "second"})
	require.NoError(t, err)
	assert.Equal(t, "fresh answer", reply.Text)
}

func TestSendMessageParsesFullResultTuple(t *testing.T) {
	script := `echo '{"type":"system","subtype":"init","model":"test-model","session_id":"sess-1"}'
while IFS= read -r line; do
  echo '{"type":"result","result":"done","total_cost_usd":0.12,"duration_ms":40,"duration_api_ms":31,"num_turns":3,"usage":{"input_tokens":100,"output_tokens":25,"cache_creation_input_tokens":7,"cache_read_input_tokens":90},"permission_denials":[{"tool_name":"Bash","message":"denied"}],"unknown_field":true}'
done`
	s, err := Spawn(context.Background(), "ctx-1", "coder",
		Config{Command: "/bin/sh", Args: []string{"-c", script}, RequestTimeout: 2 * time.Second}, logging.Default(), nil)
	require.NoError(t, err)
	defer s.Destroy(context.Background(), time.Second)

	reply, err := s.SendMessage(context.Background(), MessagePayload{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "done", reply.Text)
	assert.Equal(t, "sess-1", reply.SessionID)
	assert.Equal(t, "test-model", reply.Model)
	assert.Equal(t, 0.12, reply.CostUSD)
	assert.Equal(t, int64(40), reply.DurationMs)
	assert.Equal(t, int64(31), reply.DurationAPIMs)
	assert.Equal(t, 3, reply.NumTurns)
	assert.Equal(t, int64(100), reply.Usage.InputTokens)
	assert.Equal(t, int64(90), reply.Usage.CacheReadInputTokens)
	require.Len(t, reply.PermissionDenials, 1)
	assert.Equal(t, "Bash", reply.PermissionDenials[0].ToolName)
}

func TestStderrTailCapturesOutput(t *testing.T) {
	s, err := Spawn(context.Background(), "ctx-1", "coder",
		Config{Command: "/bin/sh", Args: []string{"-c", "echo boom >&2; " + echoWorkerScript}},
		logging.Default(), nil)
	require.NoError(t, err)
	defer s.Destroy(context.Background(), time.Second)

	require.Eventually(t, func() bool {
		return s.StderrTail() != ""
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, s.StderrTail(), "boom")
}
