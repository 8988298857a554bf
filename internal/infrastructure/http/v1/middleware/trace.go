package middleware

import (
	"github.com/gin-gonic/gin"

	appctx "dtsrm/internal/core/context"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderTraceID   = "X-Trace-ID"
)

// Trace middleware adds request tracing context. Coordinator-supplied ids are
// kept so a rollback can be followed across both sides.
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		trace := appctx.NewTraceContext()
		if id := c.GetHeader(HeaderRequestID); id != "" {
			trace.RequestID = id
		}
		if id := c.GetHeader(HeaderTraceID); id != "" {
			trace.TraceID = id
		}

		ctx := appctx.WithTrace(c.Request.Context(), trace)
		c.Request = c.Request.WithContext(ctx)

		// Store in gin context for easy access
		c.Set("trace_id", trace.TraceID)
		c.Set("request_id", trace.RequestID)

		c.Header(HeaderRequestID, trace.RequestID)
		c.Header(HeaderTraceID, trace.TraceID)

		c.Next()
	}
}
