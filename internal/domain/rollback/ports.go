package rollback

import (
	"context"

	"dtsrm/internal/core/tx"
	"dtsrm/internal/domain/snapshot"
	"dtsrm/internal/domain/undo"
)

// UndoLogRepository reads and purges undo-log rows of one branch database.
// Implementations use the transaction carried by ctx when there is one.
type UndoLogRepository interface {
	// FindActive returns all rows with the given id and StatusNormal.
	FindActive(ctx context.Context, globalID int64) ([]UndoLogEntry, error)

	// Delete removes the given ids, matching StatusNormal only.
	Delete(ctx context.Context, ids []int64) error
}

// RowLocker re-reads rows under an exclusive lock for the rest of the
// transaction carried by ctx.
type RowLocker interface {
	LockRows(ctx context.Context, query string, args ...any) ([]snapshot.Row, error)
}

// StatementExecutor runs the inverse statements of one change as one batch.
type StatementExecutor interface {
	ExecuteBatch(ctx context.Context, stmts []undo.Statement) error
}

// MetaCache is the process-wide table metadata cache.
// Lookup returns (nil, nil) on a miss.
type MetaCache interface {
	Lookup(dataSource, table string) (*snapshot.TableMeta, error)
	Store(dataSource, table string, meta *snapshot.TableMeta)
}

// LiveMetaReader reads table metadata from the live schema over a connection
// it borrows and releases itself.
type LiveMetaReader interface {
	ReadTableMeta(ctx context.Context, table string) (*snapshot.TableMeta, error)
}

// Branch bundles the collaborators bound to one branch database.
type Branch struct {
	Name     string
	Tx       tx.Manager
	UndoLogs UndoLogRepository
	Rows     RowLocker
	Exec     StatementExecutor
	Live     LiveMetaReader

	// Release is called once the rollback call is done with the branch.
	Release func()
}

// BranchResolver returns the collaborators of a data source.
type BranchResolver interface {
	Resolve(ctx context.Context, dataSource string) (*Branch, error)
}
