package rollback

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dtsrm/internal/core/apperror"
	appctx "dtsrm/internal/core/context"
	"dtsrm/internal/core/tx"
	"dtsrm/internal/domain/snapshot"
	"dtsrm/internal/domain/undo"
	"dtsrm/pkg/logger"
)

var tracer = otel.Tracer("dtsrm/rollback")

// Service compensates branch transactions.
// It is safe for concurrent use; every call works in its own local transaction.
type Service struct {
	branches BranchResolver
	cache    MetaCache
	checker  DirtyChecker
}

// NewService creates a rollback service. cache may be nil.
func NewService(branches BranchResolver, cache MetaCache) *Service {
	return &Service{
		branches: branches,
		cache:    cache,
	}
}

// BranchRollback undoes every change recorded for the branch and deletes its
// undo-log entry, all in one local transaction of the branch database.
// A branch without an active entry is a successful no-op.
func (s *Service) BranchRollback(ctx context.Context, bc BranchContext) error {
	if err := bc.Validate(); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "rollback.branch",
		trace.WithAttributes(
			attribute.String("rollback.datasource", bc.DataSource),
			attribute.String("rollback.xid", bc.XID),
			attribute.Int64("rollback.branch_id", bc.BranchID),
		),
	)
	defer span.End()

	ctx = appctx.WithBranch(ctx, &appctx.BranchInfo{
		DataSource: bc.DataSource,
		XID:        bc.XID,
		BranchID:   bc.BranchID,
	})

	err := s.withBranch(ctx, bc.DataSource, func(b *Branch) error {
		return b.Tx.RunInTransaction(ctx, func(ctx context.Context) error {
			return s.compensate(ctx, b, bc)
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error(ctx, "branch rollback failed", "error", err)
		return apperror.NewRollback(err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Plan is the preview of a branch rollback.
type Plan struct {
	Context    *snapshot.RuntimeContext
	Statements []undo.Statement
}

// Preview decodes the active undo-log entry and returns the inverse statements
// in the order BranchRollback would execute them. Nothing is modified and no
// dirty check runs. Preview returns (nil, nil) when there is no active entry.
func (s *Service) Preview(ctx context.Context, bc BranchContext) (*Plan, error) {
	if err := bc.Validate(); err != nil {
		return nil, err
	}

	var plan *Plan
	err := s.withBranch(ctx, bc.DataSource, func(b *Branch) error {
		run := b.Tx.RunInTransaction
		if ro, ok := b.Tx.(tx.ReadOnlyManager); ok {
			run = ro.ReadOnly
		}
		return run(ctx, func(ctx context.Context) error {
			rc, entry, err := s.load(ctx, b, bc)
			if err != nil || entry == nil {
				return err
			}
			plan = &Plan{Context: rc}
			for i := len(rc.Changes) - 1; i >= 0; i-- {
				stmts, err := buildInverse(&rc.Changes[i])
				if err != nil {
					return err
				}
				plan.Statements = append(plan.Statements, stmts...)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *Service) withBranch(ctx context.Context, dataSource string, fn func(b *Branch) error) error {
	b, err := s.branches.Resolve(ctx, dataSource)
	if err != nil {
		return err
	}
	if b.Release != nil {
		defer b.Release()
	}
	return fn(b)
}

func (s *Service) compensate(ctx context.Context, b *Branch, bc BranchContext) error {
	rc, entry, err := s.load(ctx, b, bc)
	if err != nil {
		return err
	}
	if entry == nil {
		logger.Info(ctx, "no active undo log, nothing to roll back")
		return nil
	}

	logger.Info(ctx, "rolling back branch",
		"log_id", rc.LogID,
		"changes", len(rc.Changes),
	)

	for i := len(rc.Changes) - 1; i >= 0; i-- {
		change := &rc.Changes[i]
		if err := s.undoChange(ctx, b, change); err != nil {
			return err
		}
	}

	if err := b.UndoLogs.Delete(ctx, []int64{entry.ID}); err != nil {
		return fmt.Errorf("delete undo log: %w", err)
	}

	logger.Info(ctx, "branch rolled back", "log_id", rc.LogID)
	return nil
}

// load finds the active entry, decodes it and attaches table metadata to
// every change. It returns a nil entry when nothing is active.
func (s *Service) load(ctx context.Context, b *Branch, bc BranchContext) (*snapshot.RuntimeContext, *UndoLogEntry, error) {
	entries, err := b.UndoLogs.FindActive(ctx, bc.GlobalID())
	if err != nil {
		return nil, nil, fmt.Errorf("find undo log: %w", err)
	}
	switch len(entries) {
	case 0:
		return nil, nil, nil
	case 1:
	default:
		return nil, nil, apperror.NewIntegrity("multiple active undo logs for branch").
			WithDetail("global_id", bc.GlobalID()).
			WithDetail("count", len(entries))
	}
	entry := &entries[0]

	rc, err := snapshot.Decode(entry.RollbackInfo)
	if err != nil {
		return nil, nil, apperror.NewIntegrity("undo log payload cannot be decoded").
			WithDetail("global_id", entry.ID).
			WithCause(err)
	}
	if rc.XID != bc.XID || rc.BranchID != bc.BranchID {
		return nil, nil, apperror.NewIntegrity("undo log belongs to another branch").
			WithDetail("global_id", entry.ID).
			WithDetail("recorded_xid", rc.XID).
			WithDetail("recorded_branch_id", rc.BranchID)
	}

	resolver := newMetaResolver(bc.DataSource, s.cache, b.Live)
	if err := resolver.attachMeta(ctx, rc.Changes); err != nil {
		return nil, nil, err
	}
	return rc, entry, nil
}

func (s *Service) undoChange(ctx context.Context, b *Branch, change *snapshot.ChangeRecord) error {
	if err := s.checker.Check(ctx, b.Rows, change); err != nil {
		return err
	}

	kind := undo.KindOf(change)
	if kind == undo.KindNone {
		return nil
	}

	stmts, err := buildInverse(change)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		logger.Info(ctx, "undo", "kind", kind.String(), "sql", stmt.String())
	}

	if err := b.Exec.ExecuteBatch(ctx, stmts); err != nil {
		sqls := make([]string, len(stmts))
		for i, stmt := range stmts {
			sqls[i] = stmt.SQL
		}
		return apperror.NewExecution("undo statement failed", err).
			WithDetail("sql", sqls)
	}
	return nil
}

func buildInverse(change *snapshot.ChangeRecord) ([]undo.Statement, error) {
	stmts, err := undo.Build(change)
	if err != nil {
		return nil, apperror.NewExecution("cannot build inverse statements", err).
			WithDetail("table", tableOf(change))
	}
	return stmts, nil
}
