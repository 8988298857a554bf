package postgres

import (
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
)

func TestSplitTableName(t *testing.T) {
	cases := []struct {
		in, schema, name string
	}{
		{"accounts", "", "accounts"},
		{"public.accounts", "public", "accounts"},
		{`"Sales"."Order"`, "Sales", "Order"},
		{`"a""b"`, "", `a"b`},
	}
	for _, c := range cases {
		schema, name := splitTableName(c.in)
		assert.Equal(t, c.schema, schema, c.in)
		assert.Equal(t, c.name, name, c.in)
	}
}

func TestRegclassName(t *testing.T) {
	assert.Equal(t, `"accounts"`, regclassName("", "accounts"))
	assert.Equal(t, `"Sales"."Order"`, regclassName("Sales", "Order"))
}

func TestTypeName(t *testing.T) {
	m := pgtype.NewMap()
	assert.Equal(t, "int4", typeName(m, pgtype.Int4OID))
	assert.Equal(t, "numeric", typeName(m, pgtype.NumericOID))
	assert.Equal(t, "timestamptz", typeName(m, pgtype.TimestamptzOID))
	assert.Equal(t, "oid:999999", typeName(m, 999999))
}
