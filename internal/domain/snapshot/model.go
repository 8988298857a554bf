// Package snapshot models the before/after row images recorded by the forward
// path and decoded from an undo log during rollback.
package snapshot

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoTableName is returned when neither side of a change names its table.
	ErrNoTableName = errors.New("change record has no table name")

	// ErrTableMismatch is returned when original and present images name different tables.
	ErrTableMismatch = errors.New("original and present images name different tables")
)

// Column describes one column of a table.
type Column struct {
	Name     string `json:"name" db:"column_name"`
	Type     string `json:"type" db:"data_type"`
	Nullable bool   `json:"nullable" db:"is_nullable"`
	Ordinal  int    `json:"ordinal" db:"ordinal_position"`
}

// TableMeta is the resolved schema of a table. Shared read-only once resolved.
type TableMeta struct {
	TableName  string
	Columns    []Column
	PrimaryKey []string
}

// IsPrimaryKey reports whether column is part of the primary key.
func (m *TableMeta) IsPrimaryKey(column string) bool {
	for _, pk := range m.PrimaryKey {
		if strings.EqualFold(pk, column) {
			return true
		}
	}
	return false
}

// Column returns the column definition by name.
func (m *TableMeta) Column(name string) (Column, bool) {
	for _, c := range m.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// Field is one column value of a recorded row.
// Type is the PostgreSQL type name (int4, numeric, text, ...).
type Field struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Row is an ordered list of fields.
type Row []Field

// Get returns the field with the given name.
func (r Row) Get(name string) (Field, bool) {
	for _, f := range r {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Field{}, false
}

// TableSnapshot is the state of some rows of one table at one point in time.
type TableSnapshot struct {
	TableName string     `json:"tableName"`
	Meta      *TableMeta `json:"-"`
	Rows      []Row      `json:"rows"`
}

// IsEmpty reports whether the image holds no rows.
func (t *TableSnapshot) IsEmpty() bool {
	return len(t.Rows) == 0
}

// ChangeRecord is the effect of one forward statement on one table.
// SelectSQL and WhereCondition re-fetch the affected rows; WhereArgs binds
// placeholders in WhereCondition when the recorder used any.
type ChangeRecord struct {
	OriginalValue  TableSnapshot `json:"originalValue"`
	PresentValue   TableSnapshot `json:"presentValue"`
	SelectSQL      string        `json:"selectSql"`
	WhereCondition string        `json:"whereCondition"`
	WhereArgs      []any         `json:"whereArgs,omitempty"`
}

// TableName returns the table the change applies to, taken from the populated
// image. Both images must agree when both are populated.
func (c *ChangeRecord) TableName() (string, error) {
	o, p := c.OriginalValue, c.PresentValue

	if !o.IsEmpty() && !p.IsEmpty() && o.TableName != "" && p.TableName != "" &&
		!strings.EqualFold(o.TableName, p.TableName) {
		return "", fmt.Errorf("%w: %q vs %q", ErrTableMismatch, o.TableName, p.TableName)
	}

	name := o.TableName
	if o.IsEmpty() && p.TableName != "" {
		name = p.TableName
	}
	if name == "" {
		name = p.TableName
	}
	if name == "" {
		return "", ErrNoTableName
	}
	return name, nil
}

// SetTableMeta attaches resolved metadata to both images.
func (c *ChangeRecord) SetTableMeta(meta *TableMeta) {
	c.OriginalValue.Meta = meta
	c.PresentValue.Meta = meta
}

// Meta returns the metadata attached to the change, or nil.
func (c *ChangeRecord) Meta() *TableMeta {
	if c.PresentValue.Meta != nil {
		return c.PresentValue.Meta
	}
	return c.OriginalValue.Meta
}

// LockQuery returns the statement that re-reads the affected rows under an
// exclusive row lock.
func (c *ChangeRecord) LockQuery() string {
	q := strings.TrimSpace(c.SelectSQL)
	if w := strings.TrimSpace(c.WhereCondition); w != "" {
		q += " " + w
	}
	return q + " FOR UPDATE"
}

// RuntimeContext is the decoded payload of one undo-log entry.
// Changes are in execution order.
type RuntimeContext struct {
	LogID    int64          `json:"logId"`
	XID      string         `json:"xid"`
	BranchID int64          `json:"branchId"`
	Changes  []ChangeRecord `json:"changes"`
}
