package datasource

import (
	"context"
	"fmt"
)

// Registry provides access to configured data sources.
type Registry interface {
	// GetByName returns the data source or ErrDataSourceNotFound.
	GetByName(ctx context.Context, name string) (*DataSource, error)

	// List returns all data sources in configuration order.
	List(ctx context.Context) ([]*DataSource, error)
}

// StaticRegistry is a Registry over a fixed list, typically from DATASOURCES.
type StaticRegistry struct {
	byName map[string]*DataSource
	order  []*DataSource
}

// NewStaticRegistry creates a registry. Names must be unique.
func NewStaticRegistry(sources ...DataSource) (*StaticRegistry, error) {
	r := &StaticRegistry{byName: make(map[string]*DataSource, len(sources))}
	for i := range sources {
		ds := sources[i]
		if ds.Name == "" {
			return nil, fmt.Errorf("data source #%d has no name", i)
		}
		if _, dup := r.byName[ds.Name]; dup {
			return nil, fmt.Errorf("duplicate data source %q", ds.Name)
		}
		r.byName[ds.Name] = &ds
		r.order = append(r.order, &ds)
	}
	return r, nil
}

func (r *StaticRegistry) GetByName(_ context.Context, name string) (*DataSource, error) {
	ds, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDataSourceNotFound, name)
	}
	return ds, nil
}

func (r *StaticRegistry) List(_ context.Context) ([]*DataSource, error) {
	out := make([]*DataSource, len(r.order))
	copy(out, r.order)
	return out, nil
}

var _ Registry = (*StaticRegistry)(nil)
