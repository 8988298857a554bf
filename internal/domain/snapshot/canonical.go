package snapshot

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

const nullValue = "<nil>"

// Canonical renders the image as a deterministic string of table name,
// rows, and for every field its name, type and normalized value.
//
// A value decoded from an undo-log payload and the same value read live
// through pgx render identically, so two images are equal exactly when their
// canonical forms are equal.
func (t *TableSnapshot) Canonical() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(t.TableName))
	b.WriteByte('[')
	for i, row := range t.Rows {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteByte('{')
		for j, f := range row {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strings.ToLower(f.Name))
			b.WriteByte(':')
			b.WriteString(f.Type)
			b.WriteByte('=')
			b.WriteString(CanonicalValue(f.Type, f.Value))
		}
		b.WriteByte('}')
	}
	b.WriteByte(']')
	return b.String()
}

// SortedByKey returns a copy of the image whose rows are ordered by the
// canonical values of the key columns, so that images read in different row
// orders render alike. Rows keep their relative order when key is empty.
func (t *TableSnapshot) SortedByKey(key []string) *TableSnapshot {
	out := *t
	if len(key) == 0 || len(t.Rows) < 2 {
		return &out
	}

	type keyed struct {
		key []string
		row Row
	}
	rows := make([]keyed, len(t.Rows))
	for i, row := range t.Rows {
		rows[i] = keyed{key: rowKey(row, key), row: row}
	}
	slices.SortStableFunc(rows, func(a, b keyed) int {
		return slices.Compare(a.key, b.key)
	})

	out.Rows = make([]Row, len(rows))
	for i, r := range rows {
		out.Rows[i] = r.row
	}
	return &out
}

func rowKey(row Row, key []string) []string {
	values := make([]string, len(key))
	for i, col := range key {
		if f, ok := row.Get(col); ok {
			values[i] = CanonicalValue(f.Type, f.Value)
		}
	}
	return values
}

// CanonicalValue normalizes a single value of the given PostgreSQL type.
func CanonicalValue(typ string, v any) string {
	switch x := v.(type) {
	case nil:
		return nullValue
	case json.Number:
		return canonicalNumber(x.String())
	case string:
		return canonicalString(typ, x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return decimal.NewFromFloat32(x).String()
	case float64:
		return decimal.NewFromFloat(x).String()
	case decimal.Decimal:
		return x.String()
	case pgtype.Numeric:
		return canonicalNumeric(x)
	case uuid.UUID:
		return x.String()
	case [16]byte:
		return uuid.UUID(x).String()
	case time.Time:
		return canonicalTime(typ, x)
	case []byte:
		return hex.EncodeToString(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func canonicalNumber(s string) string {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return s
	}
	return d.String()
}

func canonicalNumeric(n pgtype.Numeric) string {
	switch {
	case !n.Valid:
		return nullValue
	case n.NaN:
		return "NaN"
	case n.InfinityModifier == pgtype.Infinity:
		return "Infinity"
	case n.InfinityModifier == pgtype.NegativeInfinity:
		return "-Infinity"
	case n.Int == nil:
		return "0"
	}
	return decimal.NewFromBigInt(n.Int, n.Exp).String()
}

// canonicalString re-parses textual values of typed columns, since the
// recorder writes them as JSON strings while pgx returns native values.
func canonicalString(typ, s string) string {
	switch {
	case isNumericType(typ):
		return canonicalNumber(s)
	case typ == "uuid":
		if u, err := uuid.Parse(s); err == nil {
			return u.String()
		}
	case typ == "date":
		if t, err := time.Parse(time.DateOnly, s); err == nil {
			return t.Format(time.DateOnly)
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.Format(time.DateOnly)
		}
	case isTimestampType(typ):
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
	case typ == "bytea":
		if strings.HasPrefix(s, `\x`) {
			return strings.ToLower(s[2:])
		}
	}
	return s
}

func canonicalTime(typ string, t time.Time) string {
	if typ == "date" {
		return t.Format(time.DateOnly)
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func isNumericType(typ string) bool {
	switch typ {
	case "int2", "int4", "int8", "numeric", "float4", "float8", "oid":
		return true
	}
	return false
}

func isTimestampType(typ string) bool {
	return typ == "timestamp" || typ == "timestamptz"
}

// BindValue converts a decoded payload value into a value pgx can bind.
// JSON numbers become int64 when integral and decimal.Decimal otherwise.
func BindValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if d, err := decimal.NewFromString(n.String()); err == nil {
		return d
	}
	return n.String()
}

// BindValues applies BindValue to every element.
func BindValues(vs []any) []any {
	if len(vs) == 0 {
		return nil
	}
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = BindValue(v)
	}
	return out
}
