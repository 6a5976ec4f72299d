package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentbridge/internal/budget"
	"github.com/kandev/agentbridge/internal/sessionpool"
	"github.com/kandev/agentbridge/internal/sessionstore"
	"github.com/kandev/agentbridge/internal/storage"
)

// HealthDeps collects what the public health endpoint reports on.
type HealthDeps struct {
	DB        *storage.DB
	Pool      *sessionpool.Pool
	Sessions  *sessionstore.Store
	Budgets   *budget.Tracker
	Version   string
	StartTime time.Time
}

// HealthHandler reports process liveness, uptime, active worker and
// session counts, and the day's budget position. Unauthenticated by
// design; it exposes aggregate numbers only, never per-client detail.
func HealthHandler(d HealthDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := d.DB.Conn.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
			return
		}

		snapshot, err := d.Budgets.TakeSnapshot(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"version":          d.Version,
			"uptime_seconds":   int(time.Since(d.StartTime).Seconds()),
			"active_processes": d.Pool.Size(),
			"active_sessions":  len(d.Sessions.All()),
			"budget":           snapshot,
		})
	}
}
