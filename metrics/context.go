// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

import "context"

// contextKeyType is used to create unique context key for scopes,
// available only to code in this package.
type contextKeyType struct{}

var contextKey contextKeyType

// ScopedContext returns a context with the provided scope attached.
func ScopedContext(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, contextKey, scope)
}

// ContextScope returns the scope attached to ctx, or nil if there is
// none.
func ContextScope(ctx context.Context) *Scope {
	s, _ := ctx.Value(contextKey).(*Scope)
	return s
}

// Incr increments the counter in the scope attached to ctx, if any.
func Incr(ctx context.Context, c Counter, n int) {
	if scope := ContextScope(ctx); scope != nil {
		c.Incr(scope, n)
	}
}
