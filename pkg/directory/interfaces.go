// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package directory

import (
	"context"

	"github.com/canonical/tenant-directory/internal/types"
)

type StorageInterface interface {
	ListOrganizationsByEmail(ctx context.Context, email string) ([]types.Organization, error)
}

type ServiceInterface interface {
	Lookup(ctx context.Context, email string) ([]types.Organization, error)
}

// ResolverInterface is the client side of the directory, used before any tenant connection exists.
type ResolverInterface interface {
	Resolve(ctx context.Context, email string) (*Resolution, error)
}
