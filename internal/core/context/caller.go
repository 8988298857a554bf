// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// CallerContext describes the authenticated coordinator calling the resource manager.
type CallerContext struct {
	Subject string
	Issuer  string
	TokenID string

	// DataSources the caller may roll back; empty means all.
	DataSources []string
}

// CanAccess reports whether the caller may act on dataSource.
func (c *CallerContext) CanAccess(dataSource string) bool {
	if len(c.DataSources) == 0 {
		return true
	}
	for _, ds := range c.DataSources {
		if ds == dataSource {
			return true
		}
	}
	return false
}

type callerContextKey struct{}

// WithCaller adds CallerContext to context.
func WithCaller(ctx context.Context, caller *CallerContext) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// GetCaller returns CallerContext from context.
func GetCaller(ctx context.Context) *CallerContext {
	if v, ok := ctx.Value(callerContextKey{}).(*CallerContext); ok {
		return v
	}
	return nil
}

// GetCallerSubject returns the caller subject or empty string.
func GetCallerSubject(ctx context.Context) string {
	if c := GetCaller(ctx); c != nil {
		return c.Subject
	}
	return ""
}
