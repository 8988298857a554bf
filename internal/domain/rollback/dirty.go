package rollback

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"dtsrm/internal/core/apperror"
	"dtsrm/internal/domain/snapshot"
	"dtsrm/pkg/logger"
)

// DirtyChecker verifies that the rows a change touched still hold the
// recorded present image. The rows stay locked until the surrounding
// transaction ends, so nothing can slip in between the check and the
// inverse statements.
type DirtyChecker struct{}

// Check locks and re-reads the rows of change and compares them with the
// present image by canonical form.
func (DirtyChecker) Check(ctx context.Context, rows RowLocker, change *snapshot.ChangeRecord) error {
	query := change.LockQuery()

	var start time.Time
	if logger.Enabled(ctx, zapcore.DebugLevel) {
		start = time.Now()
		defer func() {
			logger.Debug(ctx, "dirty check", "sql", query, "cost_ms", time.Since(start).Milliseconds())
		}()
	}

	liveRows, err := rows.LockRows(ctx, query, snapshot.BindValues(change.WhereArgs)...)
	if err != nil {
		return apperror.NewExecution("dirty check query failed", err).
			WithDetail("sql", query)
	}

	present := &change.PresentValue
	retype(liveRows, present.Meta)
	live := &snapshot.TableSnapshot{
		TableName: present.TableName,
		Meta:      present.Meta,
		Rows:      liveRows,
	}

	// The lock query has no ORDER BY; compare rows in primary-key order.
	var pk []string
	if present.Meta != nil {
		pk = present.Meta.PrimaryKey
	}
	recorded := present.SortedByKey(pk).Canonical()
	current := live.SortedByKey(pk).Canonical()
	if recorded != current {
		return apperror.NewDirtyWrite(tableOf(change), recorded, current).
			WithDetail("sql", query)
	}
	return nil
}

// retype names live field types after the resolved schema, the same names the
// recorder writes. Driver type names are kept for columns the schema lacks.
func retype(rows []snapshot.Row, meta *snapshot.TableMeta) {
	if meta == nil {
		return
	}
	for _, row := range rows {
		for i := range row {
			if col, ok := meta.Column(row[i].Name); ok && col.Type != "" {
				row[i].Type = col.Type
			}
		}
	}
}

func tableOf(change *snapshot.ChangeRecord) string {
	if name, err := change.TableName(); err == nil {
		return name
	}
	return fmt.Sprintf("%q", change.PresentValue.TableName)
}
