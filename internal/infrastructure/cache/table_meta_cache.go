// Package cache provides the process-wide table metadata cache with
// invalidation via PostgreSQL LISTEN/NOTIFY.
package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgx/v5/pgxpool"

	"dtsrm/internal/domain/snapshot"
	"dtsrm/pkg/logger"
)

// NotifyChannel is the channel branch databases NOTIFY after DDL. The payload
// is the changed table name; an empty payload invalidates the whole source.
const NotifyChannel = "table_meta_changed"

// DefaultSize is the cache capacity used when none is configured.
const DefaultSize = 1024

// ErrCacheClosed is returned by Lookup after Stop.
var ErrCacheClosed = errors.New("table meta cache closed")

// TableMetaCache is a bounded LRU of resolved table metadata keyed by data
// source and table. Safe for concurrent use; entries are shared read-only.
type TableMetaCache struct {
	entries *lru.Cache
	closed  atomic.Bool
	hits    atomic.Int64
	misses  atomic.Int64

	// Watchers, one per data source
	lifecycleMu sync.Mutex
	watchers    map[string]context.CancelFunc
	wg          sync.WaitGroup
}

// NewTableMetaCache creates a cache holding at most size tables.
func NewTableMetaCache(size int) (*TableMetaCache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &TableMetaCache{
		entries:  entries,
		watchers: make(map[string]context.CancelFunc),
	}, nil
}

func cacheKey(dataSource, table string) string {
	return dataSource + "/" + strings.ToLower(table)
}

// Lookup returns cached metadata, or (nil, nil) on a miss.
func (c *TableMetaCache) Lookup(dataSource, table string) (*snapshot.TableMeta, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}
	v, ok := c.entries.Get(cacheKey(dataSource, table))
	if !ok {
		c.misses.Add(1)
		return nil, nil
	}
	c.hits.Add(1)
	return v.(*snapshot.TableMeta), nil
}

// Store caches metadata. Ignored after Stop.
func (c *TableMetaCache) Store(dataSource, table string, meta *snapshot.TableMeta) {
	if meta == nil || c.closed.Load() {
		return
	}
	c.entries.Add(cacheKey(dataSource, table), meta)
}

// Invalidate drops one table, or every table of dataSource when table is empty.
// Tables of the public schema are dropped under both spellings.
func (c *TableMetaCache) Invalidate(dataSource, table string) {
	table = strings.TrimSpace(table)
	if table != "" {
		c.entries.Remove(cacheKey(dataSource, table))
		if bare, ok := strings.CutPrefix(strings.ToLower(table), "public."); ok {
			c.entries.Remove(cacheKey(dataSource, bare))
		} else if !strings.Contains(table, ".") {
			c.entries.Remove(cacheKey(dataSource, "public."+table))
		}
		return
	}

	prefix := dataSource + "/"
	for _, k := range c.entries.Keys() {
		if key, ok := k.(string); ok && strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
		}
	}
}

// Watch starts listening for NotifyChannel on pool and invalidates entries of
// dataSource as notifications arrive. Watching an already watched source is a no-op.
func (c *TableMetaCache) Watch(dataSource string, pool *pgxpool.Pool) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.closed.Load() {
		return
	}
	if _, ok := c.watchers[dataSource]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx = logger.WithLogger(ctx, logger.Default().With("datasource", dataSource).WithComponent("table-meta-cache"))
	c.watchers[dataSource] = cancel

	c.wg.Add(1)
	go c.listenLoop(ctx, dataSource, pool)
}

// Unwatch stops the watcher of dataSource and drops its entries, since
// changes can no longer be observed.
func (c *TableMetaCache) Unwatch(dataSource string) {
	c.lifecycleMu.Lock()
	cancel, ok := c.watchers[dataSource]
	delete(c.watchers, dataSource)
	c.lifecycleMu.Unlock()

	if ok {
		cancel()
	}
	c.Invalidate(dataSource, "")
}

// Stop stops all watchers and closes the cache.
func (c *TableMetaCache) Stop() {
	c.lifecycleMu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.lifecycleMu.Unlock()
		return
	}
	for ds, cancel := range c.watchers {
		cancel()
		delete(c.watchers, ds)
	}
	c.lifecycleMu.Unlock()

	c.wg.Wait()
	c.entries.Purge()
	logger.Info(context.Background(), "table meta cache stopped")
}

// listenLoop keeps a dedicated LISTEN connection open until ctx is done.
func (c *TableMetaCache) listenLoop(ctx context.Context, dataSource string, pool *pgxpool.Pool) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error(ctx, "failed to acquire connection for LISTEN", "error", err)
			}
			sleep(ctx, time.Second)
			continue
		}

		if _, err = conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
			logger.Error(ctx, "failed to LISTEN", "error", err)
			conn.Release()
			sleep(ctx, time.Second)
			continue
		}

		// Changes may have been missed while not listening.
		c.Invalidate(dataSource, "")
		logger.Info(ctx, "listening for table meta notifications", "channel", NotifyChannel)

		c.waitForNotifications(ctx, dataSource, conn)
		// The connection's session still LISTENs; don't return it to the pool.
		_ = conn.Hijack().Close(context.Background())
	}
}

// waitForNotifications blocks until ctx is done or the connection fails.
func (c *TableMetaCache) waitForNotifications(ctx context.Context, dataSource string, conn *pgxpool.Conn) {
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn(ctx, "LISTEN connection lost", "error", err)
			}
			return
		}

		logger.Debug(ctx, "received notification",
			"channel", notification.Channel,
			"payload", notification.Payload)
		c.handleNotification(dataSource, notification.Channel, notification.Payload)
	}
}

func (c *TableMetaCache) handleNotification(dataSource, channel, payload string) {
	if channel != NotifyChannel {
		return
	}
	c.Invalidate(dataSource, payload)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// CacheStats contains cache statistics.
type CacheStats struct {
	Entries int      `json:"entries"`
	Hits    int64    `json:"hits"`
	Misses  int64    `json:"misses"`
	Watched []string `json:"watched"`
}

// Stats returns current cache statistics.
func (c *TableMetaCache) Stats() CacheStats {
	c.lifecycleMu.Lock()
	watched := make([]string, 0, len(c.watchers))
	for ds := range c.watchers {
		watched = append(watched, ds)
	}
	c.lifecycleMu.Unlock()

	return CacheStats{
		Entries: c.entries.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Watched: watched,
	}
}
