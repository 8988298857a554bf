package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeTx records what reaches the connection. Methods it does not override
// panic through the nil embedded interface.
type fakeTx struct {
	pgx.Tx

	rolledBack int
	committed  int

	sent    []*pgx.QueuedQuery
	execErr map[int]error

	queries []string
	rows    pgx.Rows
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolledBack++
	return nil
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed++
	return nil
}

func (f *fakeTx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.sent = append(f.sent, b.QueuedQueries...)
	return &fakeBatchResults{tx: f}
}

func (f *fakeTx) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, sql)
	if f.rows == nil {
		return nil, errors.New("no rows configured")
	}
	return f.rows, nil
}

type fakeBatchResults struct {
	pgx.BatchResults
	tx     *fakeTx
	next   int
	closed bool
}

func (r *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	i := r.next
	r.next++
	if err := r.tx.execErr[i]; err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (r *fakeBatchResults) Close() error {
	r.closed = true
	return nil
}

// fakeRows serves fixed values without a connection, so type names come from
// the default type map.
type fakeRows struct {
	pgx.Rows
	fields []pgconn.FieldDescription
	values [][]any
	pos    int
	err    error
	closed bool
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.values[r.pos-1], nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }

func (r *fakeRows) Err() error { return r.err }

func (r *fakeRows) Conn() *pgx.Conn { return nil }

func (r *fakeRows) Close() { r.closed = true }

// withFakeTx puts tx into ctx the way TxManager.begin does for m.
func withFakeTx(ctx context.Context, m *TxManager, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{pool: m.pool}, &Tx{Tx: tx})
}
