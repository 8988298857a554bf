// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"dtsrm/internal/infrastructure/cache"
	"dtsrm/internal/infrastructure/http/v1/handlers"
	"dtsrm/internal/infrastructure/http/v1/middleware"
	"dtsrm/pkg/logger"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Rollback compensates branches
	Rollback handlers.RollbackService

	// DataSources backs the health endpoints
	DataSources handlers.DataSourcePinger

	// MetaCache is reported by /health/datasources (optional)
	MetaCache *cache.TableMetaCache

	// Logger for request logging
	Logger *logger.Logger

	// JWTValidator enables coordinator authentication when set
	JWTValidator middleware.JWTValidator
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	// Health endpoints (no auth)
	healthHandler := handlers.NewHealthHandler(cfg.DataSources, cfg.MetaCache)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/datasources", healthHandler.DataSources)
	}

	v1 := router.Group("/api/v1")
	if cfg.JWTValidator != nil {
		v1.Use(middleware.Auth(cfg.JWTValidator))
	}

	baseHandler := handlers.NewBaseHandler()
	rollbackHandler := handlers.NewRollbackHandler(baseHandler, cfg.Rollback)
	rollbackHandler.RegisterRoutes(v1.Group("/branches"))

	return router
}
