package middleware

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/shelfcache-go/pkg/logger"
)

// Recovery turns a handler panic into a JSON 500 carrying the request id
func Recovery(log *zap.Logger, ml *logger.MultiLogger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		fields := []zap.Field{
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("route", c.FullPath()),
			zap.String("task_id", c.Param("id")),
			zap.Any("panic", recovered),
		}
		log.Error("Handler panicked", fields...)
		if ml != nil {
			ml.LogAppError("Handler panicked", fields...)
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      "internal error",
			"request_id": c.GetString(requestIDKey),
		})
	})
}
