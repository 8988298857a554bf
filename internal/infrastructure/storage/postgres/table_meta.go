package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dtsrm/internal/domain/rollback"
	"dtsrm/internal/domain/snapshot"
)

// ErrTableNotFound is returned when the live schema has no such table.
var ErrTableNotFound = errors.New("table not found")

const columnsQuery = `
	SELECT column_name::text AS column_name,
	       udt_name::text AS data_type,
	       is_nullable = 'YES' AS is_nullable,
	       ordinal_position::int AS ordinal_position
	FROM information_schema.columns
	WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema())
	  AND table_name = $2
	ORDER BY ordinal_position
`

const primaryKeyQuery = `
	SELECT a.attname::text
	FROM pg_index i
	JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
	WHERE i.indrelid = to_regclass($1)
	  AND i.indisprimary
	ORDER BY array_position(i.indkey::int2[], a.attnum)
`

// TableMetaReader reads table metadata from the live catalog. Every call
// borrows its own pool connection and returns it before returning.
type TableMetaReader struct {
	pool *pgxpool.Pool
}

// NewTableMetaReader creates a reader over pool.
func NewTableMetaReader(pool *pgxpool.Pool) *TableMetaReader {
	return &TableMetaReader{pool: pool}
}

var _ rollback.LiveMetaReader = (*TableMetaReader)(nil)

// ReadTableMeta returns columns and primary key of table, which may be
// schema-qualified. A name not found as written is retried in lower case, the
// way PostgreSQL folds unquoted identifiers; TableName holds the name found.
func (r *TableMetaReader) ReadTableMeta(ctx context.Context, table string) (*snapshot.TableMeta, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	schema, name := splitTableName(table)

	cols, err := readColumns(ctx, conn, schema, name)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 && name != strings.ToLower(name) {
		schema, name = strings.ToLower(schema), strings.ToLower(name)
		if cols, err = readColumns(ctx, conn, schema, name); err != nil {
			return nil, err
		}
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	var pk []string
	if err := pgxscan.Select(ctx, conn, &pk, primaryKeyQuery, regclassName(schema, name)); err != nil {
		return nil, fmt.Errorf("select primary key of %s: %w", table, err)
	}

	resolved := name
	if schema != "" {
		resolved = schema + "." + name
	}
	return &snapshot.TableMeta{
		TableName:  resolved,
		Columns:    cols,
		PrimaryKey: pk,
	}, nil
}

func readColumns(ctx context.Context, q pgxscan.Querier, schema, name string) ([]snapshot.Column, error) {
	var cols []snapshot.Column
	if err := pgxscan.Select(ctx, q, &cols, columnsQuery, schema, name); err != nil {
		return nil, fmt.Errorf("select columns of %s: %w", name, err)
	}
	return cols, nil
}

// splitTableName splits "schema.table" and strips identifier quotes.
func splitTableName(table string) (schema, name string) {
	if s, n, ok := strings.Cut(table, "."); ok {
		return unquote(s), unquote(n)
	}
	return "", unquote(table)
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}

func regclassName(schema, name string) string {
	if schema == "" {
		return pgx.Identifier{name}.Sanitize()
	}
	return pgx.Identifier{schema, name}.Sanitize()
}
