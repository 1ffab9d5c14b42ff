package rest

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// slogRequestLogger emits one structured log line per request, after the
// handler runs so the final status code is known.
func slogRequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		if logger != nil {
			logger.Info("rest request",
				"method", method,
				"path", path,
				"status", c.Writer.Status(),
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		}
	}
}

// requireAPIKey enforces a shared-secret API key when one is configured;
// a process started without mgmt.api_key stays open.
func requireAPIKey(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" || c.GetHeader("X-API-Key") == expected {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
	}
}
