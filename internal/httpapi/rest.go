package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentbridge/internal/apperr"
	"github.com/kandev/agentbridge/internal/auth"
	"github.com/kandev/agentbridge/internal/orchestrator"
	"github.com/kandev/agentbridge/pkg/a2a"
)

// RESTSendHandler mirrors JSONRPCHandler's message/send behind a plain
// REST verb, for callers that would rather not speak JSON-RPC.
func RESTSendHandler(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params a2a.MessageSendParams
		if err := c.ShouldBindJSON(&params); err != nil {
			c.Error(apperr.InvalidRequest(err.Error()))
			return
		}
		if params.Configuration != nil && !params.Configuration.Blocking {
			c.Error(apperr.InvalidRequest("only blocking delivery is supported"))
			return
		}

		identity, _ := auth.IdentityFrom(c)
		task, err := orch.Send(c.Request.Context(), orchestrator.SendParams{
			Identity:  identity,
			Message:   params.Message,
			AgentName: params.AgentName,
		})
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusOK, task)
	}
}

// RESTGetTaskHandler looks up a task by id, enforcing the ownership
// access policy.
func RESTGetTaskHandler(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, _ := auth.IdentityFrom(c)
		task, err := orch.GetTask(c.Request.Context(), c.Param("id"), identity.ClientID, identity.IsSharedSecret)
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusOK, task)
	}
}

// RESTCancelTaskHandler cancels a task's underlying worker session and
// returns the canceled task.
func RESTCancelTaskHandler(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, _ := auth.IdentityFrom(c)
		if err := orch.Cancel(c.Request.Context(), c.Param("id"), identity.ClientID, identity.IsSharedSecret); err != nil {
			c.Error(err)
			return
		}
		task, err := orch.GetTask(c.Request.Context(), c.Param("id"), identity.ClientID, identity.IsSharedSecret)
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusOK, task)
	}
}
