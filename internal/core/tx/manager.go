// Package tx provides transaction management abstractions.
// Compensation logic depends on these interfaces, never on a concrete driver.
package tx

import (
	"context"
)

// Manager defines the contract for a local transaction scope.
//
// RunInTransaction begins a transaction, runs fn with a context that carries
// it, commits when fn returns nil and rolls back on any error. The connection
// is released on every exit path.
//
// Nested calls reuse the existing transaction from context.
type Manager interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReadOnlyManager extends Manager with read-only transaction support.
// Used to inspect undo logs without taking write locks.
type ReadOnlyManager interface {
	Manager

	// ReadOnly executes fn in a read-only transaction.
	// Attempts to modify data will fail.
	ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error
}
