// Package rollback compensates a branch transaction from its undo log.
package rollback

import (
	"dtsrm/internal/core/apperror"
	"dtsrm/internal/core/xid"
)

// UndoLogStatus is the lifecycle state of an undo-log row.
type UndoLogStatus int

const (
	// StatusNormal marks an active entry awaiting commit or rollback.
	StatusNormal UndoLogStatus = 0
	// StatusGlobalFinished is written by the forward side once the global
	// transaction is known to be finished; such rows are never compensated.
	StatusGlobalFinished UndoLogStatus = 1
)

// UndoLogEntry is one row of the undo-log table.
type UndoLogEntry struct {
	ID           int64         `db:"id"`
	Status       UndoLogStatus `db:"status"`
	RollbackInfo []byte        `db:"rollback_info"`
}

// BranchContext identifies the branch to compensate.
type BranchContext struct {
	DataSource string
	XID        string
	BranchID   int64
}

// Validate checks the identifiers before any database work.
func (b BranchContext) Validate() error {
	if b.DataSource == "" {
		return apperror.NewValidation("data source is required")
	}
	if _, err := xid.Parse(b.XID); err != nil {
		return apperror.NewValidation("invalid xid").
			WithDetail("xid", b.XID).
			WithCause(err)
	}
	if b.BranchID <= 0 {
		return apperror.NewValidation("branch id must be positive").
			WithDetail("branch_id", b.BranchID)
	}
	return nil
}

// GlobalID returns the undo-log row id of the branch.
func (b BranchContext) GlobalID() int64 {
	return xid.GlobalID(b.XID, b.BranchID)
}
