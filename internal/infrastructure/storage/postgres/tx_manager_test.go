package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOrAbort_RollsBackOnError(t *testing.T) {
	tx := &fakeTx{}
	boom := errors.New("boom")

	err := runOrAbort(context.Background(), tx, func(context.Context) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, tx.rolledBack)
	assert.Zero(t, tx.committed)
}

func TestRunOrAbort_LeavesSuccessToCaller(t *testing.T) {
	tx := &fakeTx{}

	err := runOrAbort(context.Background(), tx, func(context.Context) error { return nil })

	require.NoError(t, err)
	assert.Zero(t, tx.rolledBack)
}

func TestRunOrAbort_RollsBackAndRepanics(t *testing.T) {
	tx := &fakeTx{}

	assert.PanicsWithValue(t, "bad row", func() {
		_ = runOrAbort(context.Background(), tx, func(context.Context) error { panic("bad row") })
	})
	assert.Equal(t, 1, tx.rolledBack)
	assert.Zero(t, tx.committed)
}

func TestRunOrAbort_RollsBackAfterCancel(t *testing.T) {
	tx := &fakeTx{}
	ctx, cancel := context.WithCancel(context.Background())

	err := runOrAbort(ctx, tx, func(context.Context) error {
		cancel()
		return context.Canceled
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, tx.rolledBack)
}

func TestGetTx_ScopedToPool(t *testing.T) {
	a := &TxManager{pool: &pgxpool.Pool{}}
	b := &TxManager{pool: &pgxpool.Pool{}}
	tx := &fakeTx{}

	ctx := withFakeTx(context.Background(), a, tx)

	require.NotNil(t, a.GetTx(ctx))
	assert.Same(t, tx, a.GetTx(ctx).Tx)
	assert.Nil(t, b.GetTx(ctx))
	assert.Nil(t, a.GetTx(context.Background()))
	assert.Same(t, tx, a.GetQuerier(ctx))
}

func TestRunInTransaction_JoinsExistingTransaction(t *testing.T) {
	m := &TxManager{pool: &pgxpool.Pool{}, opts: DefaultTxOptions()}
	tx := &fakeTx{}
	ctx := withFakeTx(context.Background(), m, tx)

	var seen *Tx
	err := m.RunInTransaction(ctx, func(ctx context.Context) error {
		seen = m.GetTx(ctx)
		return nil
	})

	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Same(t, tx, seen.Tx)
	assert.Zero(t, tx.committed, "the outer call owns the commit")
	assert.Zero(t, tx.rolledBack)
}
