package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentbridge/internal/agent"
	"github.com/kandev/agentbridge/pkg/a2a"
)

// inputModes is the fixed set of part media types the server accepts:
// plain text, the whitelisted inline image types, and PDF documents.
var inputModes = []string{
	"text",
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"application/pdf",
}

// AgentCardHandler serves the public discovery document listing every
// enabled agent, unauthenticated, the way a well-known document must be.
func AgentCardHandler(reg *agent.Registry, serverName, description, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		defs := reg.Enabled()
		skills := make([]a2a.AgentSkill, 0, len(defs))
		for _, d := range defs {
			skills = append(skills, a2a.AgentSkill{
				ID:             d.Name,
				Name:           d.Name,
				Description:    d.Description,
				Model:          d.Model,
				RequiredScopes: d.RequiredScopes,
			})
		}
		c.JSON(http.StatusOK, a2a.AgentCard{
			Name:               serverName,
			Description:        description,
			Version:            version,
			DefaultInputModes:  inputModes,
			DefaultOutputModes: []string{"text"},
			SecuritySchemes: map[string]a2a.SecurityScheme{
				"bearer": {Type: "http", Scheme: "bearer"},
			},
			Skills: skills,
		})
	}
}
