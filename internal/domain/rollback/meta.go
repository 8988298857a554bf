package rollback

import (
	"context"
	"fmt"
	"strings"

	"dtsrm/internal/domain/snapshot"
	"dtsrm/pkg/logger"
)

// metaResolver resolves table metadata for one rollback call: cache first,
// live schema on a miss. Results are memoized per call so a table is resolved
// once even if several changes touch it.
type metaResolver struct {
	dataSource string
	cache      MetaCache
	live       LiveMetaReader
	resolved   map[string]*snapshot.TableMeta
}

func newMetaResolver(dataSource string, cache MetaCache, live LiveMetaReader) *metaResolver {
	return &metaResolver{
		dataSource: dataSource,
		cache:      cache,
		live:       live,
		resolved:   make(map[string]*snapshot.TableMeta),
	}
}

// Resolve returns metadata for table. A cache failure is treated as a miss.
func (r *metaResolver) Resolve(ctx context.Context, table string) (*snapshot.TableMeta, error) {
	key := strings.ToLower(table)
	if meta, ok := r.resolved[key]; ok {
		return meta, nil
	}

	meta := r.lookupCache(ctx, table)
	if meta == nil {
		var err error
		meta, err = r.live.ReadTableMeta(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("read table meta %s: %w", table, err)
		}
		if r.cache != nil {
			r.cache.Store(r.dataSource, table, meta)
		}
	}

	r.resolved[key] = meta
	return meta, nil
}

func (r *metaResolver) lookupCache(ctx context.Context, table string) *snapshot.TableMeta {
	if r.cache == nil {
		return nil
	}
	meta, err := r.cache.Lookup(r.dataSource, table)
	if err != nil {
		logger.Warn(ctx, "table meta cache lookup failed, reading live schema",
			"table", table,
			"error", err,
		)
		return nil
	}
	return meta
}

// attachMeta resolves and attaches metadata to every change.
func (r *metaResolver) attachMeta(ctx context.Context, changes []snapshot.ChangeRecord) error {
	for i := range changes {
		change := &changes[i]
		table, err := change.TableName()
		if err != nil {
			return err
		}
		meta, err := r.Resolve(ctx, table)
		if err != nil {
			return err
		}
		change.SetTableMeta(meta)
	}
	return nil
}
