// Package undo derives the inverse statements that turn a table back from a
// change's present image into its original image.
package undo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"dtsrm/internal/domain/snapshot"
)

var (
	// ErrNoTableMeta is returned when Build runs before metadata was resolved.
	ErrNoTableMeta = errors.New("table metadata not resolved")

	// ErrNoPrimaryKey is returned when rows must be matched but the table has no primary key.
	ErrNoPrimaryKey = errors.New("table has no primary key")
)

// Kind is the shape of a change, implied by which image is empty.
type Kind int

const (
	// KindNone: both images empty, nothing to undo.
	KindNone Kind = iota
	// KindInsert: the forward statement deleted rows; undo re-inserts them.
	KindInsert
	// KindUpdate: the forward statement updated rows; undo restores old values.
	KindUpdate
	// KindDelete: the forward statement inserted rows; undo deletes them.
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "none"
	}
}

// KindOf classifies a change by the emptiness of its images.
func KindOf(change *snapshot.ChangeRecord) Kind {
	origEmpty := change.OriginalValue.IsEmpty()
	presEmpty := change.PresentValue.IsEmpty()

	switch {
	case origEmpty && presEmpty:
		return KindNone
	case presEmpty:
		return KindInsert
	case origEmpty:
		return KindDelete
	default:
		return KindUpdate
	}
}

// Statement is one parameterized SQL statement.
type Statement struct {
	SQL  string
	Args []any
}

func (s Statement) String() string {
	if len(s.Args) == 0 {
		return s.SQL
	}
	return fmt.Sprintf("%s %v", s.SQL, s.Args)
}

// builder returns a squirrel builder with PostgreSQL placeholder format.
func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Build returns the inverse statements of a change, in execution order.
// An empty result means the change needs no compensation.
func Build(change *snapshot.ChangeRecord) ([]Statement, error) {
	kind := KindOf(change)
	if kind == KindNone {
		return nil, nil
	}

	meta := change.Meta()
	if meta == nil {
		return nil, ErrNoTableMeta
	}
	if kind != KindInsert && len(meta.PrimaryKey) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPrimaryKey, meta.TableName)
	}

	table := quoteTable(meta.TableName)

	switch kind {
	case KindInsert:
		return buildInserts(table, meta, change.OriginalValue.Rows)
	case KindDelete:
		return buildDeletes(table, meta, change.PresentValue.Rows)
	default:
		return buildUpdates(table, meta, change.OriginalValue.Rows)
	}
}

func buildInserts(table string, meta *snapshot.TableMeta, rows []snapshot.Row) ([]Statement, error) {
	stmts := make([]Statement, 0, len(rows))
	for _, row := range rows {
		columns := make([]string, 0, len(row))
		values := make([]any, 0, len(row))
		for _, f := range row {
			columns = append(columns, quoteIdent(columnName(meta, f.Name)))
			values = append(values, snapshot.BindValue(f.Value))
		}

		sql, args, err := builder().Insert(table).Columns(columns...).Values(values...).ToSql()
		if err != nil {
			return nil, fmt.Errorf("build insert: %w", err)
		}
		stmts = append(stmts, Statement{SQL: sql, Args: args})
	}
	return stmts, nil
}

func buildDeletes(table string, meta *snapshot.TableMeta, rows []snapshot.Row) ([]Statement, error) {
	stmts := make([]Statement, 0, len(rows))
	for _, row := range rows {
		q := builder().Delete(table)
		for _, pk := range meta.PrimaryKey {
			f, ok := row.Get(pk)
			if !ok {
				return nil, fmt.Errorf("row of %s has no primary key column %q", meta.TableName, pk)
			}
			q = q.Where(squirrel.Eq{quoteIdent(pk): snapshot.BindValue(f.Value)})
		}

		sql, args, err := q.ToSql()
		if err != nil {
			return nil, fmt.Errorf("build delete: %w", err)
		}
		stmts = append(stmts, Statement{SQL: sql, Args: args})
	}
	return stmts, nil
}

func buildUpdates(table string, meta *snapshot.TableMeta, rows []snapshot.Row) ([]Statement, error) {
	stmts := make([]Statement, 0, len(rows))
	for _, row := range rows {
		q := builder().Update(table)
		set := 0
		for _, f := range row {
			if meta.IsPrimaryKey(f.Name) {
				continue
			}
			q = q.Set(quoteIdent(columnName(meta, f.Name)), snapshot.BindValue(f.Value))
			set++
		}
		if set == 0 {
			// Only key columns recorded: the row already has its original values.
			continue
		}

		for _, pk := range meta.PrimaryKey {
			f, ok := row.Get(pk)
			if !ok {
				return nil, fmt.Errorf("row of %s has no primary key column %q", meta.TableName, pk)
			}
			q = q.Where(squirrel.Eq{quoteIdent(pk): snapshot.BindValue(f.Value)})
		}

		sql, args, err := q.ToSql()
		if err != nil {
			return nil, fmt.Errorf("build update: %w", err)
		}
		stmts = append(stmts, Statement{SQL: sql, Args: args})
	}
	return stmts, nil
}

// columnName returns the column's name as the schema spells it. Recorded
// names may differ in case from the catalog.
func columnName(meta *snapshot.TableMeta, name string) string {
	if col, ok := meta.Column(name); ok {
		return col.Name
	}
	return name
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// quoteTable quotes a possibly schema-qualified table name.
func quoteTable(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}
