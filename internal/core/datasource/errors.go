package datasource

import "errors"

var (
	// ErrDataSourceNotFound is returned when the name is not configured.
	ErrDataSourceNotFound = errors.New("data source not found")

	// ErrMaxPoolLimit is returned when the manager reached its pool limit.
	ErrMaxPoolLimit = errors.New("max data source pool limit reached")

	// ErrManagerClosed is returned by GetPool after Close.
	ErrManagerClosed = errors.New("data source manager closed")
)
