// Copyright 2025 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package storage

import (
	"context"
	"time"

	"github.com/canonical/tenant-directory/internal/types"
)

type StorageInterface interface {
	// ListOrganizationsByEmail returns the public fields of every organization the email is a member of
	ListOrganizationsByEmail(ctx context.Context, email string) ([]types.Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*types.Organization, error)
	GetOrganizationSecret(ctx context.Context, organizationID string) (*types.OrganizationSecret, error)

	AddMembership(ctx context.Context, email, organizationID string) (string, error)

	CreateInvitation(ctx context.Context, invitation *types.Invitation) (*types.Invitation, error)
	GetInvitation(ctx context.Context, token, email string) (*types.Invitation, error)
	GetInvitationByToken(ctx context.Context, token string) (*types.Invitation, error)
	// MarkInvitationUsed sets used_at only when it is still unset, ErrNotFound otherwise
	MarkInvitationUsed(ctx context.Context, token string, at time.Time) error
	DeleteInvitation(ctx context.Context, token string) error
	ListPendingInvitations(ctx context.Context, organizationID string, now time.Time) ([]*types.Invitation, error)
}
