// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package invitation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/mail"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/supabase"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
	"github.com/canonical/tenant-directory/pkg/authentication"
	"github.com/canonical/tenant-directory/pkg/ratelimit"
)

const DispatchActionPrefix = "invitation_dispatch:"

var (
	ErrForbidden      = errors.New("operator is not allowed to manage invitations of this organization")
	ErrDispatchFailed = errors.New("invitation dispatch failed")
	ErrEmailRequired  = errors.New("email is required")
)

// IssueResult reports a minted invitation. DispatchErr is set when the invitation
// was persisted but the message could not be sent, Resend retries with the same token.
type IssueResult struct {
	Invitation    *types.Invitation
	Link          string
	AlreadyActive bool
	DispatchErr   error
}

var _ ServiceInterface = (*Service)(nil)

type Service struct {
	storage    StorageInterface
	admins     AdminFactory
	mailer     MailerInterface
	gate       ratelimit.GateInterface
	authorizer AuthorizerInterface
	identities IdentityInterface

	config Config
	now    func() time.Time

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

func (s *Service) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.CallTimeout)
}

// Issue mints an invitation for email unless the tenant already has a confirmed identity for it.
func (s *Service) Issue(ctx context.Context, email, orgSlug, invitedBy string) (*IssueResult, error) {
	ctx, span := s.tracer.Start(ctx, "invitation.Service.Issue")
	defer span.End()

	email = normalizeEmail(email)
	if email == "" {
		return nil, ErrEmailRequired
	}

	org, err := s.storage.GetOrganizationBySlug(ctx, orgSlug)
	if err != nil {
		return nil, fmt.Errorf("failed to get organization %s: %w", orgSlug, err)
	}

	if err := s.authorize(ctx, org.ID); err != nil {
		return nil, err
	}

	secret, err := s.storage.GetOrganizationSecret(ctx, org.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get organization credential: %w", err)
	}

	active, err := s.alreadyActive(ctx, *org, secret, email)
	if err != nil {
		return nil, err
	}

	if active {
		s.logger.Infof("%s already has an active account in %s, no invitation issued", email, org.Slug)
		return &IssueResult{AlreadyActive: true}, nil
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	inv := &types.Invitation{
		Token:            token,
		Email:            email,
		OrganizationID:   org.ID,
		OrganizationSlug: org.Slug,
		Endpoint:         org.Endpoint,
		AnonymousKey:     org.AnonymousKey,
		IssuedAt:         now,
		ExpiresAt:        now.Add(s.config.Lifetime),
	}

	if invitedBy != "" {
		inv.InvitedBy = &invitedBy
	}

	link, err := BuildLink(s.config.LinkBaseURL, inv)
	if err != nil {
		return nil, err
	}

	created, err := s.storage.CreateInvitation(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("failed to persist invitation: %w", err)
	}

	s.logger.Security().AdminAction(invitedBy, "invitation.issue", org.Slug)

	return &IssueResult{
		Invitation:  created,
		Link:        link,
		DispatchErr: s.dispatch(ctx, org.Name, created, link),
	}, nil
}

// Resend dispatches the message of a still usable invitation again.
func (s *Service) Resend(ctx context.Context, token string) (*IssueResult, error) {
	ctx, span := s.tracer.Start(ctx, "invitation.Service.Resend")
	defer span.End()

	inv, err := s.storage.GetInvitationByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}

	if err := s.authorize(ctx, inv.OrganizationID); err != nil {
		return nil, err
	}

	if !inv.Usable(s.now()) {
		return nil, types.ErrInvalidOrExpiredInvitation
	}

	if d := s.gate.Allow(ctx, DispatchActionPrefix+token); !d.Allowed {
		return nil, d.Err()
	}

	link, err := BuildLink(s.config.LinkBaseURL, inv)
	if err != nil {
		return nil, err
	}

	if err := s.dispatch(ctx, inv.OrganizationSlug, inv, link); err != nil {
		return nil, err
	}

	operator, _ := authentication.OperatorFromContext(ctx)
	s.logger.Security().AdminAction(operator, "invitation.resend", inv.OrganizationSlug)

	return &IssueResult{Invitation: inv, Link: link}, nil
}

// Cancel deletes an invitation that was not redeemed yet.
func (s *Service) Cancel(ctx context.Context, token string) error {
	ctx, span := s.tracer.Start(ctx, "invitation.Service.Cancel")
	defer span.End()

	inv, err := s.storage.GetInvitationByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to get invitation: %w", err)
	}

	if err := s.authorize(ctx, inv.OrganizationID); err != nil {
		return err
	}

	if err := s.storage.DeleteInvitation(ctx, token); err != nil {
		return fmt.Errorf("failed to delete invitation: %w", err)
	}

	operator, _ := authentication.OperatorFromContext(ctx)
	s.logger.Security().AdminAction(operator, "invitation.cancel", inv.OrganizationSlug)

	return nil
}

func (s *Service) ListPending(ctx context.Context, orgSlug string) ([]*types.Invitation, error) {
	ctx, span := s.tracer.Start(ctx, "invitation.Service.ListPending")
	defer span.End()

	org, err := s.storage.GetOrganizationBySlug(ctx, orgSlug)
	if err != nil {
		return nil, fmt.Errorf("failed to get organization %s: %w", orgSlug, err)
	}

	if err := s.authorize(ctx, org.ID); err != nil {
		return nil, err
	}

	invitations, err := s.storage.ListPendingInvitations(ctx, org.ID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}

	return invitations, nil
}

func (s *Service) authorize(ctx context.Context, organizationID string) error {
	operator, ok := authentication.OperatorFromContext(ctx)
	if !ok {
		return ErrForbidden
	}

	allowed, err := s.authorizer.CanInvite(ctx, operator, organizationID)
	if err != nil {
		return fmt.Errorf("failed to check permissions: %w", err)
	}

	if !allowed {
		return ErrForbidden
	}

	return nil
}

func (s *Service) alreadyActive(ctx context.Context, org types.Organization, secret *types.OrganizationSecret, email string) (bool, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()

	user, err := s.admins(org, secret).FindUserByEmail(ctx, email)
	if errors.Is(err, supabase.ErrUserNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to look up %s in %s: %w", email, org.Slug, err)
	}

	return user.Confirmed(), nil
}

func (s *Service) dispatch(ctx context.Context, orgName string, inv *types.Invitation, link string) error {
	if orgName == "" {
		orgName = inv.OrganizationSlug
	}

	msg := &mail.Message{
		From:    s.config.Sender,
		To:      inv.Email,
		Subject: fmt.Sprintf("You have been invited to %s", orgName),
		Text:    messageText(s.inviterName(ctx, inv.InvitedBy), orgName, link, inv.ExpiresAt),
	}

	callCtx, cancel := s.call(ctx)
	defer cancel()

	_, id, err := s.mailer.SendMail(callCtx, msg)
	if err != nil {
		s.logger.Warnf("failed to dispatch invitation for %s to %s: %v", inv.OrganizationSlug, inv.Email, err)
		return fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}

	s.logger.Debugf("invitation for %s dispatched as %s", inv.OrganizationSlug, id)

	if err := s.gate.Record(ctx, DispatchActionPrefix+inv.Token, s.now()); err != nil {
		s.logger.Errorf("failed to record dispatch of invitation: %v", err)
	}

	return nil
}

func (s *Service) inviterName(ctx context.Context, invitedBy *string) string {
	if invitedBy == nil || s.identities == nil {
		return ""
	}

	ctx, cancel := s.call(ctx)
	defer cancel()

	name, err := s.identities.DisplayName(ctx, *invitedBy)
	if err != nil {
		s.logger.Debugf("no display name for %s: %v", *invitedBy, err)
		return ""
	}

	return name
}

func messageText(inviter, orgName, link string, expiresAt time.Time) string {
	if inviter == "" {
		inviter = "An administrator"
	}

	var b strings.Builder

	fmt.Fprintf(&b, "Hello,\n\n%s invited you to join %s.\n\n", inviter, orgName)
	fmt.Fprintf(&b, "Accept the invitation and choose your password here:\n%s\n\n", link)
	fmt.Fprintf(&b, "The invitation expires on %s.\n", expiresAt.UTC().Format(time.RFC1123))

	return b.String()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func NewService(
	storage StorageInterface,
	admins AdminFactory,
	mailer MailerInterface,
	gate ratelimit.GateInterface,
	authorizer AuthorizerInterface,
	identities IdentityInterface,
	config Config,
	tracer tracing.TracingInterface,
	monitor monitoring.MonitorInterface,
	logger logging.LoggerInterface,
	opts ...Option,
) *Service {
	s := new(Service)

	s.storage = storage
	s.admins = admins
	s.mailer = mailer
	s.gate = gate
	s.authorizer = authorizer
	s.identities = identities

	s.config = config.withDefaults()
	s.now = newOptions(opts).now

	s.tracer = tracer
	s.monitor = monitor
	s.logger = logger

	return s
}
