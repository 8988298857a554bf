package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"dtsrm/pkg/logger"
)

// Logger middleware logs HTTP requests with timing and status.
// Health check requests are logged at debug level. Handlers further down the chain
// reach log through logger.FromContext.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Request = c.Request.WithContext(logger.WithLogger(c.Request.Context(), log))

		c.Next()

		status := c.Writer.Status()
		kv := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if caller := c.GetString("caller"); caller != "" {
			kv = append(kv, "caller", caller)
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			kv = append(kv, "error", errs)
		}

		l := log.WithContext(c.Request.Context())
		switch {
		case status >= 500:
			l.Errorw("http request", kv...)
		case strings.HasPrefix(path, "/health/"):
			l.Debugw("http request", kv...)
		default:
			l.Infow("http request", kv...)
		}
	}
}
