// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package tenant

import (
	"context"

	"github.com/canonical/tenant-directory/internal/supabase"
	"github.com/canonical/tenant-directory/internal/types"
)

// ClientInterface is what a live tenant connection can do on behalf of an end user.
type ClientInterface interface {
	SignInWithPassword(ctx context.Context, email, password string) (*types.Session, error)
	RefreshSession(ctx context.Context, refreshToken string) (*types.Session, error)
	SignUp(ctx context.Context, email, password string, data map[string]any) (*supabase.SignUpResult, error)
	SignOut(ctx context.Context) error
	ResetPasswordForEmail(ctx context.Context, email string) error
	GetUser(ctx context.Context) (*supabase.User, error)
}

type RegistryInterface interface {
	Get(ctx context.Context, org types.Organization, accessToken string) *Connection
	Lookup(slug string) (*Connection, bool)
	Clear(slug string)
	Len() int
}
