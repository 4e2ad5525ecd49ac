// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package invitation

import (
	"context"
	"time"

	"github.com/canonical/tenant-directory/internal/mail"
	"github.com/canonical/tenant-directory/internal/supabase"
	"github.com/canonical/tenant-directory/internal/types"
)

type StorageInterface interface {
	GetOrganizationBySlug(ctx context.Context, slug string) (*types.Organization, error)
	GetOrganizationSecret(ctx context.Context, organizationID string) (*types.OrganizationSecret, error)
	AddMembership(ctx context.Context, email, organizationID string) (string, error)
	CreateInvitation(ctx context.Context, invitation *types.Invitation) (*types.Invitation, error)
	GetInvitation(ctx context.Context, token, email string) (*types.Invitation, error)
	GetInvitationByToken(ctx context.Context, token string) (*types.Invitation, error)
	MarkInvitationUsed(ctx context.Context, token string, at time.Time) error
	DeleteInvitation(ctx context.Context, token string) error
	ListPendingInvitations(ctx context.Context, organizationID string, now time.Time) ([]*types.Invitation, error)
}

// AdminClientInterface is a tenant store reached with the service credential.
type AdminClientInterface interface {
	FindUserByEmail(ctx context.Context, email string) (*supabase.User, error)
	CreateUser(ctx context.Context, email, password string, metadata map[string]any) (*supabase.User, error)
	UpdateUserPassword(ctx context.Context, id, password string) (*supabase.User, error)
	UpsertProfile(ctx context.Context, p *types.Profile) error
}

// SessionClientInterface is a tenant store reached with the anonymous key.
type SessionClientInterface interface {
	SignInWithPassword(ctx context.Context, email, password string) (*types.Session, error)
	SignOut(ctx context.Context) error
}

type MailerInterface interface {
	SendMail(ctx context.Context, msg *mail.Message) (resp string, id string, err error)
}

type AuthorizerInterface interface {
	CanInvite(ctx context.Context, subject, organizationID string) (bool, error)
}

type IdentityInterface interface {
	DisplayName(ctx context.Context, id string) (string, error)
}

type ServiceInterface interface {
	Issue(ctx context.Context, email, orgSlug, invitedBy string) (*IssueResult, error)
	Resend(ctx context.Context, token string) (*IssueResult, error)
	Cancel(ctx context.Context, token string) error
	ListPending(ctx context.Context, orgSlug string) ([]*types.Invitation, error)
}

type OrchestratorInterface interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)
}
