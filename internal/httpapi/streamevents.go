package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/logging"
	"github.com/kandev/agentbridge/internal/sessionstore"
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WatchSessionHandler upgrades to a websocket and pushes the orchestrator's
// own bookkeeping for one session: its state, contextId and
// lastAccessedAt, each time a once-a-second poll sees the state change.
// Cost and message counts are not pushed. This never streams the worker's
// reply content; it only reports the session record sessionstore already
// tracks.
func WatchSessionHandler(sessions *sessionstore.Store, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("id")

		conn, err := watchUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("watch upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		var lastState string
		for {
			select {
			case <-c.Request.Context().Done():
				return
			case <-ticker.C:
				rec, ok := sessions.BySession(sessionID)
				if !ok {
					_ = conn.WriteJSON(gin.H{"event": "not_found"})
					return
				}
				if rec.State == lastState {
					continue
				}
				lastState = rec.State
				if err := conn.WriteJSON(gin.H{
					"event":          "state",
					"sessionId":      rec.SessionID,
					"contextId":      rec.ContextID,
					"state":          rec.State,
					"lastAccessedAt": rec.LastAccessedAt,
				}); err != nil {
					return
				}
				if rec.State == "dead" {
					return
				}
			}
		}
	}
}
