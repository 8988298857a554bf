package datasource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dtsrm/pkg/logger"
)

// Opener creates the pool of a data source.
type Opener func(ctx context.Context, ds *DataSource) (*pgxpool.Pool, error)

// ManagerConfig configures Manager behavior.
type ManagerConfig struct {
	// Pool settings (per data source)
	MaxConnsPerSource int32
	MinConnsPerSource int32
	ConnectTimeout    time.Duration
	ApplicationName   string

	// Lifecycle settings
	MaxTotalPools     int           // Max simultaneous pools (0 = unlimited)
	PoolIdleTimeout   time.Duration // Close pool after inactivity (0 = never)
	HealthCheckPeriod time.Duration // How often to ping pools (0 = never)

	// Open overrides pool creation. Nil uses pgxpool with the settings above.
	Open Opener

	// OnPoolOpened and OnPoolClosed observe the pool lifecycle.
	OnPoolOpened func(name string, pool *pgxpool.Pool)
	OnPoolClosed func(name string)

	// ReservedConns are held for the pool's lifetime by OnPoolOpened, such as
	// a LISTEN connection.
	ReservedConns int32
}

// ConnsPerCall is how many connections one rollback holds at once: the local
// transaction and the table metadata read that runs beside it.
const ConnsPerCall = 2

// Validate rejects pool sizes under which a single call can wait on itself.
func (c ManagerConfig) Validate() error {
	if c.ReservedConns < 0 {
		return fmt.Errorf("reserved connections must not be negative, got %d", c.ReservedConns)
	}
	if need := ConnsPerCall + c.ReservedConns; c.MaxConnsPerSource > 0 && c.MaxConnsPerSource < need {
		return fmt.Errorf("max connections per source is %d, need at least %d (%d per call + %d reserved)",
			c.MaxConnsPerSource, need, ConnsPerCall, c.ReservedConns)
	}
	return nil
}

// DefaultManagerConfig returns production-safe defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConnsPerSource: 10,
		MinConnsPerSource: 1,
		ConnectTimeout:    10 * time.Second,
		ApplicationName:   "dtsrm",
		MaxTotalPools:     64,
		PoolIdleTimeout:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	}
}

// ManagedPool wraps pgxpool.Pool with lifecycle tracking.
type ManagedPool struct {
	pool     *pgxpool.Pool
	source   *DataSource
	lastUsed atomic.Int64 // Unix timestamp
	refCount atomic.Int32 // Active calls using this pool
	// unhealthySince is set when a health check fails (unix timestamp). 0 means healthy.
	unhealthySince atomic.Int64
}

// Touch updates last used timestamp.
func (mp *ManagedPool) Touch() {
	mp.lastUsed.Store(time.Now().Unix())
}

// Pool returns underlying pgxpool.Pool.
func (mp *ManagedPool) Pool() *pgxpool.Pool {
	return mp.pool
}

// Source returns the data source the pool connects to.
func (mp *ManagedPool) Source() *DataSource {
	return mp.source
}

// AcquireRef increments reference count. Referenced pools are never evicted.
func (mp *ManagedPool) AcquireRef() {
	mp.refCount.Add(1)
}

// ReleaseRef decrements reference count.
func (mp *ManagedPool) ReleaseRef() {
	mp.refCount.Add(-1)
}

// Manager manages connection pools for all configured data sources.
// Thread-safe for concurrent access.
type Manager struct {
	config   ManagerConfig
	registry Registry
	open     Opener

	pools     sync.Map // map[name]*ManagedPool
	poolCount atomic.Int32
	createMu  sync.Mutex
	closed    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Logger
}

// NewManager creates a data source manager and starts its background loops.
func NewManager(cfg ManagerConfig, registry Registry, log *logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		config:   cfg,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
		log:      log.WithComponent("datasource-manager"),
	}
	m.open = cfg.Open
	if m.open == nil {
		m.open = m.openPool
	}

	if cfg.PoolIdleTimeout > 0 {
		m.wg.Add(1)
		go m.evictionLoop()
	}

	if cfg.HealthCheckPeriod > 0 {
		m.wg.Add(1)
		go m.healthCheckLoop()
	}

	m.log.Infow("data source manager started",
		"max_pools", cfg.MaxTotalPools,
		"idle_timeout", cfg.PoolIdleTimeout,
		"health_check_period", cfg.HealthCheckPeriod,
	)

	return m
}

// GetPool returns the pool of a data source, creating it if needed.
func (m *Manager) GetPool(ctx context.Context, name string) (*ManagedPool, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	// Fast path: pool exists
	if val, ok := m.pools.Load(name); ok {
		mp := val.(*ManagedPool)
		mp.Touch()
		return mp, nil
	}

	return m.createPool(ctx, name)
}

// createPool creates a pool for a data source. Creation is serialized so the
// pool limit holds and a source is never dialed twice.
func (m *Manager) createPool(ctx context.Context, name string) (*ManagedPool, error) {
	ds, err := m.registry.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrDataSourceNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("data source lookup failed: %w", err)
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	if val, ok := m.pools.Load(name); ok {
		mp := val.(*ManagedPool)
		mp.Touch()
		return mp, nil
	}

	if m.config.MaxTotalPools > 0 && int(m.poolCount.Load()) >= m.config.MaxTotalPools {
		return nil, fmt.Errorf("%w (%d)", ErrMaxPoolLimit, m.config.MaxTotalPools)
	}

	pool, err := m.open(ctx, ds)
	if err != nil {
		return nil, err
	}

	mp := &ManagedPool{
		pool:   pool,
		source: ds,
	}
	mp.Touch()

	m.pools.Store(name, mp)
	m.poolCount.Add(1)
	m.log.Infow("created pool for data source",
		"datasource", name,
		"dsn", ds.Redacted(),
		"total_pools", m.poolCount.Load(),
	)

	if m.config.OnPoolOpened != nil {
		m.config.OnPoolOpened(name, pool)
	}
	return mp, nil
}

// openPool is the default Opener.
func (m *Manager) openPool(ctx context.Context, ds *DataSource) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(ds.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn for data source %s: %w", ds.Name, err)
	}

	poolCfg.MaxConns = m.config.MaxConnsPerSource
	poolCfg.MinConns = m.config.MinConnsPerSource
	if m.config.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = m.config.HealthCheckPeriod
	}
	if m.config.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = m.config.ConnectTimeout
	}
	if appName := m.config.ApplicationName; appName != "" {
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SELECT set_config('application_name', $1, false)", appName)
			return err
		}
	}

	createCtx, cancel := context.WithTimeout(ctx, m.connectTimeout())
	defer cancel()

	pool, err := pgxpool.NewWithConfig(createCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool for data source %s: %w", ds.Name, err)
	}

	if err := pool.Ping(createCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping data source %s: %w", ds.Name, err)
	}
	return pool, nil
}

func (m *Manager) connectTimeout() time.Duration {
	if m.config.ConnectTimeout > 0 {
		return m.config.ConnectTimeout
	}
	return 10 * time.Second
}

// evictionLoop closes idle pools periodically.
func (m *Manager) evictionLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PoolIdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.evictIdlePools(time.Now())
		}
	}
}

// evictIdlePools closes pools that haven't been used since now - PoolIdleTimeout.
func (m *Manager) evictIdlePools(now time.Time) {
	threshold := now.Add(-m.config.PoolIdleTimeout).Unix()

	m.pools.Range(func(key, value any) bool {
		name := key.(string)
		mp := value.(*ManagedPool)

		// Don't evict if actively in use
		if mp.refCount.Load() > 0 {
			return true
		}

		if mp.unhealthySince.Load() > 0 {
			m.closePool(name, mp, "unhealthy pool (no active refs)")
			return true
		}

		if mp.lastUsed.Load() < threshold {
			m.closePool(name, mp, "idle timeout")
		}

		return true
	})
}

// healthCheckLoop monitors pool health.
func (m *Manager) healthCheckLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkPoolsHealth()
		}
	}
}

// checkPoolsHealth pings all pools and closes unhealthy unreferenced ones.
func (m *Manager) checkPoolsHealth() {
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()

	m.pools.Range(func(key, value any) bool {
		name := key.(string)
		mp := value.(*ManagedPool)

		if err := mp.pool.Ping(ctx); err != nil {
			if mp.unhealthySince.Load() == 0 {
				mp.unhealthySince.Store(time.Now().Unix())
			}
			m.log.Warnw("pool health check failed",
				"datasource", name,
				"error", err,
			)
			// A pool in use is closed by the eviction loop once released.
			if mp.refCount.Load() == 0 {
				m.closePool(name, mp, "health check failed")
			}
			return true
		}

		mp.unhealthySince.Store(0)
		return true
	})
}

// closePool closes a managed pool if it is still the registered one.
func (m *Manager) closePool(name string, mp *ManagedPool, reason string) {
	if !m.pools.CompareAndDelete(name, mp) {
		return
	}
	if m.config.OnPoolClosed != nil {
		m.config.OnPoolClosed(name)
	}
	mp.pool.Close()
	m.poolCount.Add(-1)

	m.log.Infow("closed pool",
		"datasource", name,
		"reason", reason,
		"total_pools", m.poolCount.Load(),
	)
}

// Close shuts down the manager and all pools.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.log.Info("shutting down data source manager...")

	m.cancel()
	m.wg.Wait()

	var poolsClosed int
	m.pools.Range(func(key, value any) bool {
		m.closePool(key.(string), value.(*ManagedPool), "shutdown")
		poolsClosed++
		return true
	})

	m.log.Infow("data source manager closed", "pools_closed", poolsClosed)
}

// Ping checks every configured data source, opening pools as needed.
// The result maps names to their error, nil when reachable.
func (m *Manager) Ping(ctx context.Context) (map[string]error, error) {
	sources, err := m.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list data sources: %w", err)
	}

	result := make(map[string]error, len(sources))
	for _, ds := range sources {
		mp, err := m.GetPool(ctx, ds.Name)
		if err == nil {
			err = mp.pool.Ping(ctx)
		}
		result[ds.Name] = err
	}
	return result, nil
}

// Stats returns current manager statistics.
func (m *Manager) Stats() ManagerStats {
	var stats ManagerStats
	stats.TotalPools = int(m.poolCount.Load())

	m.pools.Range(func(key, value any) bool {
		mp := value.(*ManagedPool)
		poolStats := mp.pool.Stat()

		stats.TotalConns += int(poolStats.TotalConns())
		stats.IdleConns += int(poolStats.IdleConns())
		stats.AcquiredConns += int(poolStats.AcquiredConns())

		stats.Sources = append(stats.Sources, SourcePoolStats{
			Name:          key.(string),
			DSN:           mp.source.Redacted(),
			TotalConns:    int(poolStats.TotalConns()),
			IdleConns:     int(poolStats.IdleConns()),
			AcquiredConns: int(poolStats.AcquiredConns()),
			ActiveRefs:    int(mp.refCount.Load()),
			Healthy:       mp.unhealthySince.Load() == 0,
			LastUsed:      time.Unix(mp.lastUsed.Load(), 0),
		})
		return true
	})

	return stats
}

// ManagerStats contains manager runtime statistics.
type ManagerStats struct {
	TotalPools    int               `json:"totalPools"`
	TotalConns    int               `json:"totalConns"`
	IdleConns     int               `json:"idleConns"`
	AcquiredConns int               `json:"acquiredConns"`
	Sources       []SourcePoolStats `json:"sources"`
}

// SourcePoolStats contains per-source pool statistics.
type SourcePoolStats struct {
	Name          string    `json:"name"`
	DSN           string    `json:"dsn"`
	TotalConns    int       `json:"totalConns"`
	IdleConns     int       `json:"idleConns"`
	AcquiredConns int       `json:"acquiredConns"`
	ActiveRefs    int       `json:"activeRefs"`
	Healthy       bool      `json:"healthy"`
	LastUsed      time.Time `json:"lastUsed"`
}

// Registry returns the data source registry.
func (m *Manager) Registry() Registry {
	return m.registry
}
