package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"dtsrm/internal/domain/rollback"
	"dtsrm/internal/domain/snapshot"
)

// RowLocker reads rows as snapshot images under the transaction from context.
type RowLocker struct {
	txManager *TxManager
}

// NewRowLocker creates a row locker.
func NewRowLocker(txManager *TxManager) *RowLocker {
	return &RowLocker{txManager: txManager}
}

var _ rollback.RowLocker = (*RowLocker)(nil)

// LockRows runs a locking query. It refuses to run outside a transaction
// since the lock would be released immediately.
func (l *RowLocker) LockRows(ctx context.Context, query string, args ...any) ([]snapshot.Row, error) {
	tx := l.txManager.GetTx(ctx)
	if tx == nil {
		return nil, fmt.Errorf("LockRows requires transaction context")
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	return CollectSnapshotRows(rows)
}

// CollectSnapshotRows reads all rows into snapshot rows. Field types are the
// PostgreSQL type names known to the connection's type map.
func CollectSnapshotRows(rows pgx.Rows) ([]snapshot.Row, error) {
	defer rows.Close()

	typeMap := typeMapOf(rows)
	fields := rows.FieldDescriptions()

	var out []snapshot.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}
		row := make(snapshot.Row, len(fields))
		for i, fd := range fields {
			row[i] = snapshot.Field{
				Name:  fd.Name,
				Type:  typeName(typeMap, fd.DataTypeOID),
				Value: values[i],
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func typeMapOf(rows pgx.Rows) *pgtype.Map {
	if conn := rows.Conn(); conn != nil {
		return conn.TypeMap()
	}
	return pgtype.NewMap()
}

func typeName(m *pgtype.Map, oid uint32) string {
	if t, ok := m.TypeForOID(oid); ok {
		return t.Name
	}
	return fmt.Sprintf("oid:%d", oid)
}
