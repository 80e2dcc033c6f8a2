package api

import (
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/ranierigmusella/ckan-docker/internal/orchestrator"
)

// pollingRoute reports whether route is hit by container orchestrator
// polling rather than by an operator.
func pollingRoute(route string) bool {
	switch route {
	case "/health", "/ready", "/metrics":
		return true
	}
	return false
}

// Recovery turns a handler panic into a 500 with the run-status vocabulary,
// so callers polling the bootstrap API see "error" rather than a dropped
// connection. A panic never touches the bootstrap state itself.
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		logger.ErrorContext(c.Request.Context(), "handler panicked",
			"route", c.FullPath(),
			"method", c.Request.Method,
			"recovered", recovered,
			"stack", string(debug.Stack()),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"status": orchestrator.StatusError,
			"route":  c.FullPath(),
			"error":  "request handler failed",
		})
	})
}

// Tracing opens an OTEL span per operator request. Polling routes are not
// traced.
func Tracing(serviceName string) gin.HandlerFunc {
	traced := otelgin.Middleware(serviceName)
	return func(c *gin.Context) {
		if pollingRoute(c.FullPath()) {
			c.Next()
			return
		}
		traced(c)
	}
}

// RequestLogger emits one line per request. Polling routes log at debug so
// they do not drown the bootstrap log.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelInfo
		if pollingRoute(c.FullPath()) {
			level = slog.LevelDebug
		}
		logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
