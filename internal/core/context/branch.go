package context

import (
	"context"
)

// BranchInfo identifies the branch transaction a request is compensating.
type BranchInfo struct {
	DataSource string
	XID        string
	BranchID   int64
}

type branchInfoKey struct{}

// WithBranch adds BranchInfo to context.
func WithBranch(ctx context.Context, branch *BranchInfo) context.Context {
	return context.WithValue(ctx, branchInfoKey{}, branch)
}

// GetBranch returns BranchInfo from context.
func GetBranch(ctx context.Context) *BranchInfo {
	if v, ok := ctx.Value(branchInfoKey{}).(*BranchInfo); ok {
		return v
	}
	return nil
}
