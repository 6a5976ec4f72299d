// Package httpapi mounts the gin router exposing the A2A JSON-RPC/REST
// surface, the admin surface, and health checks, grounded on the
// teacher's internal/orchestrator/api middleware chain
// (RequestLogger/ErrorHandler/Recovery/CORS).
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/apperr"
	"github.com/kandev/agentbridge/internal/logging"
)

// RequestLogger assigns a request id and logs completion with duration.
func RequestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := uuid.NewString()
		c.Set(string(logging.RequestIDKey), requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// ErrorHandler maps the last gin error on the context onto its HTTP
// status and uniform JSON body. An *apperr.AppError is surfaced with its
// own code/message; any other error is folded into a generic internal
// error so a stack trace or driver error never reaches the caller.
func ErrorHandler(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if appErr, ok := apperr.As(err); ok {
			log.Warn("request error", zap.String("code", string(appErr.Code)), zap.String("message", appErr.Message))
			if appErr.RetryAfterSeconds > 0 {
				c.Header("Retry-After", strconv.Itoa(appErr.RetryAfterSeconds))
			}
			c.JSON(appErr.HTTPStatus, gin.H{"error": gin.H{"code": appErr.Code, "message": appErr.Message}})
			return
		}

		log.Error("internal server error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": apperr.CodeInternal, "message": "internal error"}})
	}
}

// Recovery converts a panic into a 500 response instead of crashing the
// process, the way a long-lived server handling untrusted worker output
// must.
func Recovery(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered", zap.Any("panic", r), zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"code": apperr.CodeInternal, "message": "internal error"},
				})
			}
		}()
		c.Next()
	}
}
