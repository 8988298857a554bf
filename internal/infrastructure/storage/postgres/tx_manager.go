package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dtsrm/internal/core/tx"
	"dtsrm/pkg/logger"
)

var tracer = otel.Tracer("dtsrm/tx")

var _ tx.ReadOnlyManager = (*TxManager)(nil)

// rollbackTimeout bounds the ROLLBACK sent after a failed or cancelled call.
const rollbackTimeout = 5 * time.Second

// TxOptions configures the local transaction of a branch rollback.
type TxOptions struct {
	IsolationLevel pgx.TxIsoLevel
	AccessMode     pgx.TxAccessMode

	// StatementTimeout caps every statement, lock waits included. Zero disables it.
	StatementTimeout time.Duration
}

// DefaultTxOptions returns production-safe defaults.
func DefaultTxOptions() TxOptions {
	return TxOptions{
		IsolationLevel:   pgx.ReadCommitted,
		AccessMode:       pgx.ReadWrite,
		StatementTimeout: 30 * time.Second,
	}
}

// TxManager runs functions inside one transaction of a branch database. The
// transaction travels in ctx, where the repositories, row locker and batch
// executor built on the same manager find it.
type TxManager struct {
	pool *pgxpool.Pool
	opts TxOptions
}

// NewTxManager creates a transaction manager over pool.
func NewTxManager(pool *pgxpool.Pool, opts TxOptions) *TxManager {
	return &TxManager{pool: pool, opts: opts}
}

// txKey is scoped to a pool so transactions of different branch databases
// never leak into each other through a shared ctx.
type txKey struct {
	pool *pgxpool.Pool
}

// Tx is the transaction stored in context.
type Tx struct {
	pgx.Tx
}

// RunInTransaction commits when fn returns nil and rolls back when it returns
// an error or panics. A call made while ctx already holds a transaction of this
// manager joins it.
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.run(ctx, m.opts, fn)
}

// ReadOnly runs fn in a read-only transaction.
func (m *TxManager) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	opts := m.opts
	opts.AccessMode = pgx.ReadOnly
	return m.run(ctx, opts, fn)
}

func (m *TxManager) run(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "transaction",
		trace.WithAttributes(
			attribute.String("tx.isolation", string(opts.IsolationLevel)),
			attribute.String("tx.access_mode", string(opts.AccessMode)),
		))
	defer span.End()

	var err error
	if m.GetTx(ctx) != nil {
		span.SetAttributes(attribute.Bool("tx.joined", true))
		err = fn(ctx)
	} else {
		err = m.begin(ctx, opts, fn)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction rolled back")
	}
	return err
}

func (m *TxManager) begin(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	pgTx, err := m.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   opts.IsolationLevel,
		AccessMode: opts.AccessMode,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if opts.StatementTimeout > 0 {
		timeout := fmt.Sprintf("%dms", opts.StatementTimeout.Milliseconds())
		if _, err := pgTx.Exec(ctx, "SELECT set_config('statement_timeout', $1, true)", timeout); err != nil {
			abort(ctx, pgTx, err)
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	txCtx := context.WithValue(ctx, txKey{pool: m.pool}, &Tx{Tx: pgTx})
	if err := runOrAbort(txCtx, pgTx, fn); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// runOrAbort rolls pgTx back when fn fails or panics; the panic is re-raised
// once the connection and its row locks are released.
func runOrAbort(ctx context.Context, pgTx pgx.Tx, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			abort(ctx, pgTx, fmt.Errorf("panic: %v", p))
			panic(p)
		}
	}()

	if err = fn(ctx); err != nil {
		abort(ctx, pgTx, err)
	}
	return err
}

// abort rolls back even when ctx is already cancelled.
func abort(ctx context.Context, pgTx pgx.Tx, cause error) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if err := pgTx.Rollback(rbCtx); err != nil {
		logger.Error(ctx, "rollback failed", "error", err, "cause", cause)
	}
}

// GetTx returns the transaction of this manager carried by ctx, or nil.
func (m *TxManager) GetTx(ctx context.Context) *Tx {
	if t, ok := ctx.Value(txKey{pool: m.pool}).(*Tx); ok {
		return t
	}
	return nil
}

// Querier is satisfied by both pgx.Tx and *pgxpool.Pool.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetQuerier returns the transaction from ctx, or the pool outside one.
func (m *TxManager) GetQuerier(ctx context.Context) Querier {
	if t := m.GetTx(ctx); t != nil {
		return t.Tx
	}
	return m.pool
}
