// Package apperr defines the uniform application error type used across
// the agent bridge server, extending the teacher's AppError shape with
// the error taxonomy every handler and orchestrator step needs.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of application error independent of HTTP status,
// so callers (tests, the JSON-RPC mapper) can switch on it directly.
type Code string

const (
	CodeAuthMissing        Code = "auth_missing"
	CodeAuthInvalid        Code = "auth_invalid"
	CodeAuthRevoked        Code = "auth_revoked"
	CodeAuthWrongTokenType Code = "auth_wrong_token_type"
	CodeScopeDenied        Code = "scope_denied"
	CodeRateLimited        Code = "rate_limited"
	CodeCapacity           Code = "capacity_exceeded"
	CodeSessionBusy        Code = "session_busy"
	CodeTimeout            Code = "timeout"
	CodeSessionDead        Code = "session_dead"
	CodeSessionReleased    Code = "session_released"
	CodeWorkerSpawnFailed  Code = "worker_spawn_failed"
	CodeBufferOverflow     Code = "buffer_overflow"
	CodeBudgetExhausted    Code = "budget_exhausted"
	CodeAgentNotFound      Code = "agent_not_found"
	CodeAgentMismatch      Code = "agent_mismatch"
	CodeOrphanStillRunning Code = "orphan_still_running"
	CodeTaskNotFound       Code = "task_not_found"
	CodeInvalidRequest     Code = "invalid_request"
	CodeInternal           Code = "internal"
)

// AppError is the single error type that crosses package boundaries inside
// the server. It always carries an HTTP status so gin handlers can do
// c.JSON(appErr.HTTPStatus, appErr) uniformly, and a Code so JSON-RPC
// error mapping and tests can discriminate without string matching.
type AppError struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Cause      error  `json:"-"`

	// RetryAfterSeconds is non-zero only for CodeRateLimited, carrying
	// the "retry after ceil(60/rpm) seconds" hint so the HTTP layer can
	// surface it as a Retry-After header.
	RetryAfterSeconds int `json:"retryAfterSeconds,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

func new(code Code, status int, msg string) *AppError {
	return &AppError{Code: code, Message: msg, HTTPStatus: status}
}

// Wrap attaches a lower-level cause without changing the code or status.
func (e *AppError) Wrap(cause error) *AppError {
	return &AppError{Code: e.Code, Message: e.Message, HTTPStatus: e.HTTPStatus, Cause: cause}
}

// As reports whether err is an *AppError and returns it, the way
// errors.As would, but without requiring callers to declare the target.
func As(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// --- §7 taxonomy constructors ---

func AuthMissing() *AppError {
	return new(CodeAuthMissing, http.StatusUnauthorized, "no credentials supplied")
}

func AuthInvalid(reason string) *AppError {
	return new(CodeAuthInvalid, http.StatusUnauthorized, "invalid credentials: "+reason)
}

func AuthRevoked() *AppError {
	return new(CodeAuthRevoked, http.StatusUnauthorized, "token has been revoked")
}

func AuthWrongTokenType(want, got string) *AppError {
	return new(CodeAuthWrongTokenType, http.StatusUnauthorized,
		fmt.Sprintf("expected %s token, got %s", want, got))
}

func ScopeDenied(required string) *AppError {
	return new(CodeScopeDenied, http.StatusForbidden, "missing required scope: "+required)
}

func RateLimited(retryAfterSeconds int) *AppError {
	e := new(CodeRateLimited, http.StatusTooManyRequests,
		fmt.Sprintf("rate limit exceeded, retry after %ds", retryAfterSeconds))
	e.RetryAfterSeconds = retryAfterSeconds
	return e
}

func Capacity() *AppError {
	return new(CodeCapacity, http.StatusServiceUnavailable, "session pool at capacity")
}

func SessionBusy() *AppError {
	return new(CodeSessionBusy, http.StatusConflict, "session already has a pending request")
}

func Timeout() *AppError {
	return new(CodeTimeout, http.StatusGatewayTimeout, "request timed out waiting for worker reply")
}

func SessionDead() *AppError {
	return new(CodeSessionDead, http.StatusGone, "worker session is dead")
}

// SessionReleased rejects a pending request whose session was gracefully
// released out from under it, e.g. by a server shutdown; the caller
// should retry with the same contextId once the server is back, since
// the worker process itself is left running, not killed.
func SessionReleased() *AppError {
	return new(CodeSessionReleased, http.StatusServiceUnavailable, "worker session was released, retry with the same context")
}

func WorkerSpawnFailed(cause error) *AppError {
	return new(CodeWorkerSpawnFailed, http.StatusInternalServerError, "failed to spawn worker process").Wrap(cause)
}

func BufferOverflow() *AppError {
	return new(CodeBufferOverflow, http.StatusInternalServerError, "worker output exceeded buffer limit")
}

func BudgetExhausted(scope string) *AppError {
	return new(CodeBudgetExhausted, http.StatusPaymentRequired, "daily budget exhausted: "+scope)
}

func AgentNotFound(name string) *AppError {
	return new(CodeAgentNotFound, http.StatusNotFound, "unknown agent: "+name)
}

// AgentMismatch rejects a sendMessage call that names a different agent
// than the one a contextId was first bound to; a contextId is pinned to
// its first agent permanently.
func AgentMismatch(bound, requested string) *AppError {
	return new(CodeAgentMismatch, http.StatusConflict,
		fmt.Sprintf("context is already bound to agent %q, cannot address it as %q", bound, requested))
}

func OrphanStillRunning(pid int) *AppError {
	return new(CodeOrphanStillRunning, http.StatusConflict,
		fmt.Sprintf("a prior worker process (pid %d) for this context is still running", pid))
}

func TaskNotFound() *AppError {
	return new(CodeTaskNotFound, http.StatusNotFound, "task not found")
}

func InvalidRequest(reason string) *AppError {
	return new(CodeInvalidRequest, http.StatusBadRequest, reason)
}

func Internal(cause error) *AppError {
	return new(CodeInternal, http.StatusInternalServerError, "internal error").Wrap(cause)
}
