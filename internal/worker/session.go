// Package worker wraps a single worker-cli child process as a long-lived
// NDJSON conversation partner, grounded on the teacher's claudecode.Client
// read loop (pkg/claudecode/client.go) and the PTY process lifecycle in
// agentctl/server/process/interactive_runner.go, generalized from a
// streaming terminal passthrough to a request/reply session with an
// explicit state machine.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/apperr"
	"github.com/kandev/agentbridge/internal/logging"
)

// State is a WorkerSession's position in its lifecycle. Transitions are
// monotonic except idle<->processing, which can cycle for as long as the
// session lives.
type State int

const (
	StateInitializing State = iota
	StateIdle
	StateProcessing
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Reply is the result of one completed turn: the reply text plus the
// full accounting tuple the result frame carried.
type Reply struct {
	Text              string
	SessionID         string
	Model             string
	CostUSD           float64
	DurationMs        int64
	DurationAPIMs     int64
	NumTurns          int
	Usage             Usage
	PermissionDenials []PermissionDenial
	IsError           bool
}

// DeathCallback is invoked exactly once when a session transitions to
// StateDead, carrying only the plain contextId token as its argument,
// never the session itself; the session has no typed field pointing at
// its pool.
type DeathCallback func(contextID string)

// Config controls how a worker process is spawned and bounded.
type Config struct {
	Command        string
	Args           []string
	WorkDir        string
	Env            []string
	MaxBufferBytes int
	RequestTimeout time.Duration

	// ResumeSessionID, if non-empty, is a prior worker-assigned session
	// identifier recovered from SessionMetadata. It is passed to the
	// worker binary as a resume hint so a respawned process can pick up
	// the same conversation after a death or server restart.
	ResumeSessionID string
}

const stderrTailLimit = 500

// stderrTail is a bounded ring buffer holding only the last
// stderrTailLimit bytes written to it, so a dying worker's diagnostic
// output can be logged without holding its full stderr in memory.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
}

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrTailLimit {
		t.buf = t.buf[len(t.buf)-stderrTailLimit:]
	}
	return len(p), nil
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// Session wraps one worker-cli child process bound to one contextId. All
// public methods are safe for concurrent use.
type Session struct {
	ContextID string
	AgentName string

	cfg Config
	log *logging.Logger

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd
	stdin io.WriteCloser
	pid   int

	pending    chan *Reply
	pendingErr chan error
	hasPending bool

	exited chan struct{}

	onDeath   DeathCallback
	deathOnce sync.Once

	createdAt      time.Time
	lastAccessedAt time.Time
	model          string
	sessionID      string
	stderr         *stderrTail
	released       bool
}

// Spawn starts the worker process for contextID and begins its NDJSON
// read loop. The session starts in StateInitializing; it moves to
// StateIdle once the worker's system/init frame arrives, and independently
// accepts its first SendMessage immediately, since writing to stdin is
// what triggers the worker to emit that init frame in the first place.
func Spawn(ctx context.Context, contextID, agentName string, cfg Config, log *logging.Logger, onDeath DeathCallback) (*Session, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	env := cfg.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	// The worker CLI refuses to start when it believes it is already
	// running inside another worker invocation; this server is not one.
	cmd.Env = scrubNestedInvocationEnv(env)

	if cfg.ResumeSessionID != "" {
		cmd.Args = append(cmd.Args, "--resume", cfg.ResumeSessionID)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperr.WorkerSpawnFailed(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperr.WorkerSpawnFailed(err)
	}
	stderr := &stderrTail{}
	cmd.Stderr = stderr
	cmd.SysProcAttr = buildSysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, apperr.WorkerSpawnFailed(err)
	}

	now := time.Now().UTC()
	s := &Session{
		ContextID:      contextID,
		AgentName:      agentName,
		cfg:            cfg,
		log:            log.WithFields(zap.String("component", "worker-session"), zap.String("context_id", contextID)),
		state:          StateInitializing,
		cmd:            cmd,
		stdin:          stdin,
		pid:            cmd.Process.Pid,
		exited:         make(chan struct{}),
		onDeath:        onDeath,
		createdAt:      now,
		lastAccessedAt: now,
		stderr:         stderr,
		sessionID:      cfg.ResumeSessionID,
	}

	go s.readLoop(stdout)
	go s.waitForExit()

	return s, nil
}

// PID returns the underlying OS process id, used by the pool to reach an
// orphaned process across server restarts via signal-0 checks.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastAccessedAt returns the last time a message was sent to this session.
func (s *Session) LastAccessedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessedAt
}

// CreatedAt returns the session's spawn time, used for max-lifetime sweeps.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// SessionID returns the worker-assigned conversation identifier captured
// from the system/init frame, or the resume hint it was spawned with if
// no init frame has arrived yet. Empty until one of those is known.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Model returns the model identifier the worker reported in its init
// frame, empty until that frame arrives.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// StderrTail returns the last bytes written to the worker's stderr,
// bounded to stderrTailLimit, for diagnostic logging on death.
func (s *Session) StderrTail() string {
	if s.stderr == nil {
		return ""
	}
	return s.stderr.String()
}

// SendMessage writes one user turn to the worker's stdin and waits for the
// matching result frame, or for ctx to time out. A timeout does not kill
// the process: the worker may still be mid-turn, the session goes back to
// idle and accepts the next call, and a result frame that arrives after
// the timeout is discarded rather than delivered to a later call.
// Only one message may be pending at a time; a second concurrent call
// fails fast with SessionBusy.
func (s *Session) SendMessage(ctx context.Context, payload MessagePayload) (*Reply, error) {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return nil, apperr.SessionDead()
	}
	if s.hasPending {
		s.mu.Unlock()
		return nil, apperr.SessionBusy()
	}
	if s.state == StateIdle {
		s.state = StateProcessing
	}
	s.hasPending = true
	s.pending = make(chan *Reply, 1)
	s.pendingErr = make(chan error, 1)
	s.lastAccessedAt = time.Now().UTC()
	s.mu.Unlock()

	msg := newInboundMessage(payload)
	data, err := json.Marshal(msg)
	if err != nil {
		s.clearPending()
		return nil, apperr.Internal(err)
	}
	data = append(data, '\n')

	if _, err := s.stdin.Write(data); err != nil {
		s.clearPending()
		s.markDead("stdin write failed")
		return nil, apperr.WorkerSpawnFailed(err)
	}

	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	s.mu.Lock()
	pending, pendingErr := s.pending, s.pendingErr
	s.mu.Unlock()

	select {
	case reply := <-pending:
		s.clearPending()
		return reply, nil
	case err := <-pendingErr:
		s.clearPending()
		return nil, err
	case <-timer.C:
		// A timeout never kills the worker: it may still be mid-turn. The
		// session goes back to idle and a late result is discarded by the
		// read loop, since clearPending drops the delivery channel.
		s.clearPending()
		return nil, apperr.Timeout()
	case <-ctx.Done():
		s.clearPending()
		return nil, apperr.Timeout()
	}
}

// clearPending drops the single-slot mailbox and returns a processing
// session to idle. A result frame arriving after this point finds no
// channel and is silently consumed.
func (s *Session) clearPending() {
	s.mu.Lock()
	s.hasPending = false
	s.pending = nil
	s.pendingErr = nil
	if s.state == StateProcessing {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

func (s *Session) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	maxBytes := s.cfg.MaxBufferBytes
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	scanner.Buffer(buf, maxBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		s.log.Warn("worker read loop ended with error", zap.Error(err))
		s.deliverError(apperr.BufferOverflow())
		// A worker flooding stdout without a newline is unrecoverable;
		// kill it rather than read garbage forever. waitForExit marks the
		// session dead and notifies the pool.
		if p := s.cmd.Process; p != nil {
			_ = p.Kill()
		}
	}
}

func (s *Session) handleLine(line []byte) {
	var frame Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		s.log.Warn("failed to parse worker frame", zap.Error(err))
		return
	}

	switch {
	case frame.Type == "system" && frame.Subtype == "init":
		var init SystemInitFrame
		if err := json.Unmarshal(line, &init); err == nil {
			s.mu.Lock()
			s.model = init.Model
			if init.SessionID != "" {
				s.sessionID = init.SessionID
			}
			if s.state == StateInitializing {
				s.state = StateIdle
			}
			s.mu.Unlock()
		}
	case frame.Type == "result":
		var result ResultFrame
		if err := json.Unmarshal(line, &result); err != nil {
			s.log.Warn("failed to parse result frame", zap.Error(err))
			return
		}
		s.mu.Lock()
		if result.SessionID != "" {
			s.sessionID = result.SessionID
		}
		model := s.model
		sessionID := s.sessionID
		s.mu.Unlock()
		reply := &Reply{
			Text:              result.Result,
			SessionID:         sessionID,
			Model:             model,
			CostUSD:           result.GetCostUSD(),
			DurationMs:        result.DurationMs,
			DurationAPIMs:     result.DurationAPIMs,
			NumTurns:          result.NumTurns,
			PermissionDenials: result.PermissionDenials,
			IsError:           result.IsError,
		}
		if result.Usage != nil {
			reply.Usage = *result.Usage
		}
		s.deliverReply(reply)
	default:
		// Unknown frame types are intentionally ignored rather than
		// rejected, since the worker CLI evolves independently of this
		// server.
	}
}

func (s *Session) deliverReply(r *Reply) {
	s.mu.Lock()
	ch := s.pending
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- r:
	default:
	}
}

func (s *Session) deliverError(err error) {
	s.mu.Lock()
	ch := s.pendingErr
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// waitForExit is the single owner of cmd.Wait for this process; os/exec
// forbids calling Wait more than once, so Destroy signals the process and
// waits on s.exited instead of calling Wait itself.
func (s *Session) waitForExit() {
	_ = s.cmd.Wait()
	close(s.exited)
	s.markDead("process exited")
}

func (s *Session) markDead(reason string) {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return
	}
	s.state = StateDead
	s.mu.Unlock()

	if tail := s.StderrTail(); tail != "" {
		s.log.Info("worker session marked dead", zap.String("reason", reason), zap.String("stderr_tail", tail))
	} else {
		s.log.Info("worker session marked dead", zap.String("reason", reason))
	}

	s.deathOnce.Do(func() {
		if s.onDeath != nil {
			s.onDeath(s.ContextID)
		}
	})
}

// Release detaches from the worker process without killing it: pending
// futures are failed with SessionReleased, stdin is closed so the
// process observes EOF on its next read, and the session is marked dead
// locally so the pool stops routing new messages to it. Unlike Destroy,
// the underlying OS process is left running as a reconnectable orphan,
// identified by PID and, once known, by its worker-assigned SessionID,
// so a later respawn can pass it back as a resume hint. Release is
// idempotent: calling it again after the first call is a no-op.
func (s *Session) Release(ctx context.Context) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	alreadyDead := s.state == StateDead
	s.state = StateDead
	stdin := s.stdin
	s.mu.Unlock()

	s.deliverError(apperr.SessionReleased())
	if stdin != nil {
		_ = stdin.Close()
	}

	if !alreadyDead {
		s.log.Info("worker session released", zap.Int("pid", s.pid))
		s.deathOnce.Do(func() {
			if s.onDeath != nil {
				s.onDeath(s.ContextID)
			}
		})
	}
}

// Destroy terminates the worker process: SIGTERM, then up to grace for a
// clean exit, then SIGKILL. Destroy always transitions the session to
// StateDead, whether or not the process was already gone.
func (s *Session) Destroy(ctx context.Context, grace time.Duration) {
	s.mu.Lock()
	proc := s.cmd.Process
	s.mu.Unlock()

	if proc == nil {
		s.markDead("destroyed (no process)")
		return
	}

	_ = proc.Signal(syscall.SIGTERM)

	if grace <= 0 {
		grace = 5 * time.Second
	}

	select {
	case <-s.exited:
	case <-time.After(grace):
		_ = proc.Kill()
		<-s.exited
	case <-ctx.Done():
		_ = proc.Kill()
		<-s.exited
	}

	s.markDead("destroyed")
}

// scrubNestedInvocationEnv strips the environment markers a running
// worker exports into its own subprocesses, which would otherwise make
// the child refuse to start as a nested invocation.
func scrubNestedInvocationEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") || strings.HasPrefix(kv, "CLAUDE_CODE_ENTRYPOINT=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// IsProcessAlive checks liveness of the OS process without sending a
// real signal, for orphan reconciliation after a server restart where no
// in-memory Session exists yet.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// TerminatePID signals an orphaned process discovered by PID alone (no
// live Session object survived a restart), escalating from SIGTERM to
// SIGKILL the same way Destroy does.
func TerminatePID(pid int, grace time.Duration) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("worker: find process %d: %w", pid, err)
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return nil
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	time.Sleep(grace)
	if p.Signal(syscall.Signal(0)) == nil {
		_ = p.Signal(syscall.SIGKILL)
	}
	return nil
}
