package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbridge/internal/agent"
	"github.com/kandev/agentbridge/pkg/a2a"
)

func TestAgentCardHandlerListsOnlyEnabledAgents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := agent.New(
		&agent.Definition{Name: "coder", Description: "writes code", Enabled: true},
		&agent.Definition{Name: "retired", Enabled: false},
	)

	router := gin.New()
	router.GET("/.well-known/agent-card.json", AgentCardHandler(reg, "agentbridge", "local worker bridge", "1.0.0"))

	req := httptest.NewRequest(http.MethodGet, "/.well-known/agent-card.json", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var card a2a.AgentCard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))
	require.Len(t, card.Skills, 1)
	assert.Equal(t, "coder", card.Skills[0].Name)
	assert.Equal(t, "1.0.0", card.Version)
	assert.Contains(t, card.DefaultInputModes, "image/png")
	assert.Equal(t, []string{"text"}, card.DefaultOutputModes)
	assert.Equal(t, "bearer", card.SecuritySchemes["bearer"].Scheme)
}
