package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentbridge/internal/apperr"
	"github.com/kandev/agentbridge/internal/auth"
	"github.com/kandev/agentbridge/internal/orchestrator"
	"github.com/kandev/agentbridge/pkg/a2a"
)

// JSONRPCHandler dispatches every call on /a2a/jsonrpc: message/send,
// tasks/get, and tasks/cancel. Any other method returns a JSON-RPC
// method-not-found error rather than a bare HTTP error, since JSON-RPC
// errors live inside a 200 response body per spec.
func JSONRPCHandler(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req a2a.JSONRPCRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, a2a.JSONRPCResponse{
				JSONRPC: "2.0",
				Error:   &a2a.JSONRPCError{Code: -32700, Message: "parse error"},
			})
			return
		}

		var (
			result any
			err    error
		)
		switch req.Method {
		case "message/send":
			result, err = handleMessageSend(c, orch, req.Params)
		case "tasks/get":
			result, err = handleTaskQuery(c, req.Params, func(identity auth.Identity, id string) (any, error) {
				return orch.GetTask(c.Request.Context(), id, identity.ClientID, identity.IsSharedSecret)
			})
		case "tasks/cancel":
			result, err = handleTaskQuery(c, req.Params, func(identity auth.Identity, id string) (any, error) {
				if err := orch.Cancel(c.Request.Context(), id, identity.ClientID, identity.IsSharedSecret); err != nil {
					return nil, err
				}
				return orch.GetTask(c.Request.Context(), id, identity.ClientID, identity.IsSharedSecret)
			})
		default:
			c.JSON(http.StatusOK, a2a.JSONRPCResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &a2a.JSONRPCError{Code: -32601, Message: "method not found: " + req.Method},
			})
			return
		}

		if err != nil {
			c.JSON(http.StatusOK, a2a.JSONRPCResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   toJSONRPCError(err),
			})
			return
		}

		c.JSON(http.StatusOK, a2a.JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  result,
		})
	}
}

func handleMessageSend(c *gin.Context, orch *orchestrator.Orchestrator, raw json.RawMessage) (any, error) {
	var params a2a.MessageSendParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, apperr.InvalidRequest("invalid params")
	}
	if params.Configuration != nil && !params.Configuration.Blocking {
		return nil, apperr.InvalidRequest("only blocking delivery is supported")
	}

	identity, _ := auth.IdentityFrom(c)
	return orch.Send(c.Request.Context(), orchestrator.SendParams{
		Identity:  identity,
		Message:   params.Message,
		AgentName: params.AgentName,
	})
}

func handleTaskQuery(c *gin.Context, raw json.RawMessage, fn func(auth.Identity, string) (any, error)) (any, error) {
	var params a2a.TaskQueryParams
	if err := json.Unmarshal(raw, &params); err != nil || params.ID == "" {
		return nil, apperr.InvalidRequest("invalid params: task id required")
	}
	identity, _ := auth.IdentityFrom(c)
	return fn(identity, params.ID)
}

func toJSONRPCError(err error) *a2a.JSONRPCError {
	if appErr, ok := apperr.As(err); ok {
		return &a2a.JSONRPCError{Code: appErrToRPCCode(appErr.Code), Message: appErr.Message}
	}
	return &a2a.JSONRPCError{Code: -32603, Message: "internal error"}
}

func appErrToRPCCode(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidRequest:
		return -32602
	case apperr.CodeAuthMissing, apperr.CodeAuthInvalid, apperr.CodeAuthRevoked, apperr.CodeAuthWrongTokenType:
		return -32001
	case apperr.CodeScopeDenied:
		return -32002
	case apperr.CodeRateLimited:
		return -32003
	case apperr.CodeBudgetExhausted:
		return -32004
	case apperr.CodeAgentNotFound:
		return -32005
	case apperr.CodeTaskNotFound:
		return -32006
	case apperr.CodeAgentMismatch:
		return -32007
	case apperr.CodeSessionReleased:
		return -32008
	default:
		return -32603
	}
}
