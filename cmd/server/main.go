// Package main is the entry point for the branch rollback server.
// One process serves every configured branch database.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dtsrm/internal/core/datasource"
	"dtsrm/internal/domain/auth"
	"dtsrm/internal/domain/rollback"
	v1 "dtsrm/internal/infrastructure/http/v1"
	"dtsrm/internal/infrastructure/cache"
	"dtsrm/internal/infrastructure/storage/postgres"
	"dtsrm/pkg/logger"
)

func main() {
	// Initialize logger
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	log.Info("starting rollback server")

	// --- Data sources ---
	sources, err := datasource.ParseDataSources(mustEnv("DATASOURCES"))
	if err != nil {
		log.Fatalw("invalid DATASOURCES", "error", err)
	}
	registry, err := datasource.NewStaticRegistry(sources...)
	if err != nil {
		log.Fatalw("invalid data source registry", "error", err)
	}

	// --- Table metadata cache ---
	metaCache, err := cache.NewTableMetaCache(getEnvInt("META_CACHE_SIZE", cache.DefaultSize))
	if err != nil {
		log.Fatalw("failed to create table metadata cache", "error", err)
	}
	defer metaCache.Stop()

	// --- Pool manager ---
	managerCfg := datasource.DefaultManagerConfig()
	if maxPools := getEnvInt("MAX_POOLS", managerCfg.MaxTotalPools); maxPools > 0 {
		managerCfg.MaxTotalPools = maxPools
	}
	if maxConns := getEnvInt("MAX_CONNS_PER_POOL", int(managerCfg.MaxConnsPerSource)); maxConns > 0 {
		managerCfg.MaxConnsPerSource = int32(maxConns)
	}
	managerCfg.PoolIdleTimeout = getEnvDuration("POOL_IDLE_TIMEOUT", managerCfg.PoolIdleTimeout)
	if getEnv("META_CACHE_LISTEN", "true") == "true" {
		managerCfg.OnPoolOpened = func(name string, pool *pgxpool.Pool) { metaCache.Watch(name, pool) }
		managerCfg.OnPoolClosed = metaCache.Unwatch
		managerCfg.ReservedConns = 1
	}
	if err := managerCfg.Validate(); err != nil {
		log.Fatalw("invalid pool configuration", "error", err)
	}

	manager := datasource.NewManager(managerCfg, registry, log)
	defer manager.Close()

	log.Infow("data source manager initialized",
		"sources", len(sources),
		"max_pools", managerCfg.MaxTotalPools,
		"max_conns_per_source", managerCfg.MaxConnsPerSource,
		"idle_timeout", managerCfg.PoolIdleTimeout,
	)

	if getEnv("PREWARM_POOLS", "false") == "true" {
		for _, ds := range sources {
			if _, err := manager.GetPool(ctx, ds.Name); err != nil {
				log.Warnw("failed to prewarm pool", "datasource", ds.Name, "error", err)
			}
		}
	}

	// --- Rollback service ---
	txOptions := postgres.DefaultTxOptions()
	txOptions.StatementTimeout = getEnvDuration("STATEMENT_TIMEOUT", txOptions.StatementTimeout)

	branches, err := postgres.NewBranchResolver(manager, getEnv("UNDO_LOG_TABLE", postgres.DefaultUndoLogTable), txOptions)
	if err != nil {
		log.Fatalw("invalid undo log table", "error", err)
	}
	rollbackService := rollback.NewService(branches, metaCache)

	// --- Router ---
	routerCfg := v1.RouterConfig{
		Rollback:    rollbackService,
		DataSources: manager,
		MetaCache:   metaCache,
		Logger:      log,
	}
	if secret := os.Getenv("COORDINATOR_JWT_SECRET"); secret != "" {
		routerCfg.JWTValidator = auth.NewJWTService(auth.DefaultJWTConfig(secret))
		log.Info("coordinator authentication enabled")
	} else {
		log.Warn("COORDINATOR_JWT_SECRET not set, rollback API is unauthenticated")
	}
	router := v1.NewRouter(routerCfg)

	// --- HTTP Server ---
	port := getEnv("APP_PORT", "8091")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: txOptions.StatementTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	// In-flight rollbacks either commit or roll back on their own
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
