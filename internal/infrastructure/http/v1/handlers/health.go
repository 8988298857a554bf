// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dtsrm/internal/core/datasource"
	"dtsrm/internal/infrastructure/cache"
)

// DataSourcePinger is the part of datasource.Manager health checks need.
type DataSourcePinger interface {
	Ping(ctx context.Context) (map[string]error, error)
	Stats() datasource.ManagerStats
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	sources DataSourcePinger
	cache   *cache.TableMetaCache
}

// NewHealthHandler creates a health handler. metaCache may be nil.
func NewHealthHandler(sources DataSourcePinger, metaCache *cache.TableMetaCache) *HealthHandler {
	return &HealthHandler{sources: sources, cache: metaCache}
}

// Live handles the liveness check (is the process alive?).
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// Ready handles the readiness check: every configured data source must answer.
// GET /health/ready
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	results, err := h.sources.Ping(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(results))
	for name, pingErr := range results {
		if pingErr != nil {
			checks[name] = "unhealthy: " + pingErr.Error()
			status, code = "error", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "healthy"
	}

	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
	})
}

// DataSources returns pool and cache statistics.
// GET /health/datasources
func (h *HealthHandler) DataSources(c *gin.Context) {
	body := gin.H{
		"pools": h.sources.Stats(),
	}
	if h.cache != nil {
		body["table_meta_cache"] = h.cache.Stats()
	}
	c.JSON(http.StatusOK, body)
}
