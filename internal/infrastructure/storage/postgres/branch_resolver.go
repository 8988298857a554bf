package postgres

import (
	"context"
	"errors"
	"fmt"

	"dtsrm/internal/core/apperror"
	"dtsrm/internal/core/datasource"
	"dtsrm/internal/domain/rollback"
)

// BranchResolver assembles the rollback collaborators of a data source on
// top of its managed pool.
type BranchResolver struct {
	manager      *datasource.Manager
	undoLogTable string
	txOptions    TxOptions
}

// NewBranchResolver creates a resolver. undoLogTable is validated once here.
func NewBranchResolver(manager *datasource.Manager, undoLogTable string, txOptions TxOptions) (*BranchResolver, error) {
	if _, err := NewUndoLogRepo(nil, undoLogTable); err != nil {
		return nil, err
	}
	if undoLogTable == "" {
		undoLogTable = DefaultUndoLogTable
	}
	return &BranchResolver{
		manager:      manager,
		undoLogTable: undoLogTable,
		txOptions:    txOptions,
	}, nil
}

var _ rollback.BranchResolver = (*BranchResolver)(nil)

// Resolve returns the branch of dataSource. The pool stays referenced until
// Branch.Release is called.
func (r *BranchResolver) Resolve(ctx context.Context, dataSource string) (*rollback.Branch, error) {
	mp, err := r.manager.GetPool(ctx, dataSource)
	if err != nil {
		if errors.Is(err, datasource.ErrDataSourceNotFound) {
			return nil, apperror.NewNotFound("data source", dataSource).WithCause(err)
		}
		return nil, fmt.Errorf("get pool: %w", err)
	}
	mp.AcquireRef()

	pool := mp.Pool()
	txm := NewTxManager(pool, r.txOptions)
	undoLogs, err := NewUndoLogRepo(txm, r.undoLogTable)
	if err != nil {
		mp.ReleaseRef()
		return nil, err
	}

	return &rollback.Branch{
		Name:     dataSource,
		Tx:       txm,
		UndoLogs: undoLogs,
		Rows:     NewRowLocker(txm),
		Exec:     NewBatchExecutor(txm),
		Live:     NewTableMetaReader(pool),
		Release:  mp.ReleaseRef,
	}, nil
}
