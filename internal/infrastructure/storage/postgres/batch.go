package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"dtsrm/internal/domain/rollback"
	"dtsrm/internal/domain/undo"
)

// BatchExecutor runs statements in a single round-trip on the transaction
// from context.
type BatchExecutor struct {
	txManager *TxManager
}

// NewBatchExecutor creates a new batch executor.
func NewBatchExecutor(txManager *TxManager) *BatchExecutor {
	return &BatchExecutor{txManager: txManager}
}

var _ rollback.StatementExecutor = (*BatchExecutor)(nil)

// ExecuteBatch executes the statements in order. The first failure aborts
// the batch and the surrounding transaction.
func (e *BatchExecutor) ExecuteBatch(ctx context.Context, stmts []undo.Statement) error {
	tx := e.txManager.GetTx(ctx)
	if tx == nil {
		return fmt.Errorf("ExecuteBatch requires transaction context")
	}
	if len(stmts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, s := range stmts {
		batch.Queue(s.SQL, s.Args...)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for i := range stmts {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch statement %d failed: %w", i, err)
		}
	}

	return nil
}
