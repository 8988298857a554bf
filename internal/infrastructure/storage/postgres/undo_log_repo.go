package postgres

import (
	"context"
	"fmt"
	"regexp"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"dtsrm/internal/domain/rollback"
)

// DefaultUndoLogTable is the undo-log table name used when none is configured.
const DefaultUndoLogTable = "txc_undo_log"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// UndoLogRepo implements rollback.UndoLogRepository on the undo-log table of
// one branch database.
type UndoLogRepo struct {
	txm   *TxManager
	table string
}

// NewUndoLogRepo creates a repository over table. An empty table means
// DefaultUndoLogTable. The name is interpolated into SQL, so it must be a
// plain or schema-qualified identifier.
func NewUndoLogRepo(txm *TxManager, table string) (*UndoLogRepo, error) {
	if table == "" {
		table = DefaultUndoLogTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid undo log table name %q", table)
	}
	return &UndoLogRepo{txm: txm, table: table}, nil
}

var _ rollback.UndoLogRepository = (*UndoLogRepo)(nil)

func (r *UndoLogRepo) builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

func (r *UndoLogRepo) findActiveQuery(globalID int64) sq.SelectBuilder {
	return r.builder().
		Select("id", "status", "rollback_info").
		From(r.table).
		Where(sq.Eq{"status": rollback.StatusNormal}).
		Where(sq.Eq{"id": globalID}).
		OrderBy("id DESC")
}

// FindActive returns the active entries with the given id. More than one
// result means the table is corrupt; the caller decides what to do.
func (r *UndoLogRepo) FindActive(ctx context.Context, globalID int64) ([]rollback.UndoLogEntry, error) {
	query, args, err := r.findActiveQuery(globalID).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var entries []rollback.UndoLogEntry
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &entries, query, args...); err != nil {
		return nil, fmt.Errorf("select undo log: %w", err)
	}
	return entries, nil
}

func (r *UndoLogRepo) deleteQuery(ids []int64) sq.DeleteBuilder {
	return r.builder().
		Delete(r.table).
		Where(sq.Eq{"id": ids}).
		Where(sq.Eq{"status": rollback.StatusNormal})
}

// Delete removes the given active entries.
func (r *UndoLogRepo) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := r.deleteQuery(ids).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("delete undo log: %w", err)
	}
	return nil
}

func (r *UndoLogRepo) insertQuery(entry rollback.UndoLogEntry) sq.InsertBuilder {
	return r.builder().
		Insert(r.table).
		Columns("id", "status", "rollback_info").
		Values(entry.ID, entry.Status, entry.RollbackInfo)
}

// Insert writes an entry the way the forward path does. Used by operator
// tooling to restore an exported entry.
func (r *UndoLogRepo) Insert(ctx context.Context, entry rollback.UndoLogEntry) error {
	query, args, err := r.insertQuery(entry).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert undo log: %w", err)
	}
	return nil
}
