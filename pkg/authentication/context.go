// Copyright 2025 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package authentication

import "context"

type operatorContextKey struct{}

// WithOperator returns a copy of ctx carrying the authenticated operator subject.
func WithOperator(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, operatorContextKey{}, subject)
}

// OperatorFromContext returns the operator subject set by the middleware, if any.
func OperatorFromContext(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(operatorContextKey{}).(string)
	return sub, ok && sub != ""
}
