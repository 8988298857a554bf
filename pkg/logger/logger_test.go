package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	appctx "dtsrm/internal/core/context"
)

func TestFromContext_AddsBranchAndTrace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := &Logger{zap.New(core).Sugar()}

	ctx := WithLogger(context.Background(), log)
	ctx = appctx.WithTrace(ctx, &appctx.TraceContext{TraceID: "t-1", RequestID: "r-1"})
	ctx = appctx.WithBranch(ctx, &appctx.BranchInfo{DataSource: "orders", XID: "h:1:2", BranchID: 9})

	Info(ctx, "compensating branch", "changes", 3)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "t-1", fields["trace_id"])
	assert.Equal(t, "orders", fields["datasource"])
	assert.Equal(t, "h:1:2", fields["xid"])
	assert.Equal(t, int64(9), fields["branch_id"])
	assert.Equal(t, int64(3), fields["changes"])
}

func TestEnabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	ctx := WithLogger(context.Background(), &Logger{zap.New(core).Sugar()})

	assert.False(t, Enabled(ctx, zapcore.DebugLevel))
	assert.True(t, Enabled(ctx, zapcore.WarnLevel))
}
