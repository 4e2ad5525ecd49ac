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
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/storage"
	"github.com/canonical/tenant-directory/internal/supabase"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
)

// completion steps, in the order they run
const (
	StepTokenValidate      = "TokenValidate"
	StepOrgCredentialFetch = "OrgCredentialFetch"
	StepUserProvision      = "UserProvision"
	StepProfileUpsert      = "ProfileUpsert"
	StepMembershipRegister = "MembershipRegister"
	StepSessionEstablish   = "SessionEstablish"
	StepTokenInvalidate    = "TokenInvalidate"
)

type CompletionRequest struct {
	Email            string `json:"email" validate:"required,email"`
	Password         string `json:"password" validate:"required,min=6"`
	OrganizationSlug string `json:"organizationSlug" validate:"required"`
	InvitationToken  string `json:"invitationToken" validate:"required"`
}

// CompletionResult carries what the caller needs to bind a tenant connection right away.
type CompletionResult struct {
	Session      *types.Session
	Organization types.Organization
	UserID       string
}

var _ OrchestratorInterface = (*Orchestrator)(nil)

// Orchestrator turns a pending invitation into an account with a live session.
// The steps touch two stores without a shared transaction, a failure leaves the
// earlier steps applied.
type Orchestrator struct {
	storage  StorageInterface
	admins   AdminFactory
	sessions SessionFactory

	timeout    time.Duration
	accessTier string
	now        func() time.Time

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

// run is the state of one completion, it only moves forward.
type run struct {
	req       *CompletionRequest
	email     string
	inv       *types.Invitation
	org       types.Organization
	secret    *types.OrganizationSecret
	user      *supabase.User
	session   *types.Session
	completed []string
}

func (o *Orchestrator) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	ctx, span := o.tracer.Start(ctx, "invitation.Orchestrator.Complete")
	defer span.End()

	r := &run{req: req, email: normalizeEmail(req.Email)}

	steps := []struct {
		name string
		fn   func(context.Context, *run) error
	}{
		{StepTokenValidate, o.validateToken},
		{StepOrgCredentialFetch, o.fetchCredential},
		{StepUserProvision, o.provisionUser},
		{StepProfileUpsert, o.upsertProfile},
		{StepMembershipRegister, o.registerMembership},
		{StepSessionEstablish, o.establishSession},
		{StepTokenInvalidate, o.invalidateToken},
	}

	for _, step := range steps {
		if err := o.step(ctx, step.name, r, step.fn); err != nil {
			return nil, o.abort(ctx, r, step.name, err)
		}

		r.completed = append(r.completed, step.name)
	}

	o.logger.Security().InvitationRedeemed(r.email, r.org.Slug)

	return &CompletionResult{
		Session:      r.session,
		Organization: r.org,
		UserID:       r.user.ID,
	}, nil
}

func (o *Orchestrator) step(ctx context.Context, name string, r *run, fn func(context.Context, *run) error) error {
	ctx, span := o.tracer.Start(ctx, "invitation.Orchestrator."+name)
	defer span.End()

	return fn(ctx, r)
}

func (o *Orchestrator) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.timeout)
}

func (o *Orchestrator) validateToken(ctx context.Context, r *run) error {
	if r.req.InvitationToken == "" || r.email == "" {
		return types.ErrInvalidOrExpiredInvitation
	}

	callCtx, cancel := o.call(ctx)
	defer cancel()

	inv, err := o.storage.GetInvitation(callCtx, r.req.InvitationToken, r.email)
	if errors.Is(err, storage.ErrNotFound) {
		return types.ErrInvalidOrExpiredInvitation
	}

	// an unreachable store says nothing about the token
	if err != nil {
		return provisionError(StepTokenValidate, err)
	}

	if !inv.Usable(o.now()) || inv.OrganizationSlug != r.req.OrganizationSlug {
		return types.ErrInvalidOrExpiredInvitation
	}

	org, err := types.NewOrganization(inv.OrganizationID, inv.OrganizationSlug, inv.OrganizationSlug, inv.Endpoint, inv.AnonymousKey)
	if err != nil {
		o.logger.Errorf("invitation for %s carries an invalid organization snapshot: %v", inv.OrganizationSlug, err)
		return types.ErrInvalidOrExpiredInvitation
	}

	r.inv = inv
	r.org = org

	return nil
}

func (o *Orchestrator) fetchCredential(ctx context.Context, r *run) error {
	callCtx, cancel := o.call(ctx)
	defer cancel()

	secret, err := o.storage.GetOrganizationSecret(callCtx, r.org.ID)
	if err != nil {
		return provisionError(StepOrgCredentialFetch, err)
	}

	r.secret = secret

	return nil
}

// provisionUser updates the password of an existing identity or creates a confirmed one.
// An identity created by a concurrent completion after the lookup is updated instead.
func (o *Orchestrator) provisionUser(ctx context.Context, r *run) error {
	admin := o.admins(r.org, r.secret)

	existing, err := o.findUser(ctx, admin, r.email)
	if err != nil {
		return provisionError(StepUserProvision, err)
	}

	var user *supabase.User
	if existing == nil {
		user, err = o.createUser(ctx, admin, r)

		if supabase.IsUserExists(err) {
			o.logger.Infof("identity for %s in %s was created concurrently", r.email, r.org.Slug)

			existing, err = o.findUser(ctx, admin, r.email)
			if err == nil && existing == nil {
				err = supabase.ErrUserNotFound
			}
		}
	}

	if existing != nil {
		callCtx, cancel := o.call(ctx)
		user, err = admin.UpdateUserPassword(callCtx, existing.ID, r.req.Password)
		cancel()
	}

	if err != nil {
		return provisionError(StepUserProvision, err)
	}

	if user.Email == "" {
		user.Email = r.email
	}

	r.user = user

	return nil
}

// findUser returns nil without an error when no identity has the email.
func (o *Orchestrator) findUser(ctx context.Context, admin AdminClientInterface, email string) (*supabase.User, error) {
	callCtx, cancel := o.call(ctx)
	defer cancel()

	user, err := admin.FindUserByEmail(callCtx, email)
	if errors.Is(err, supabase.ErrUserNotFound) {
		return nil, nil
	}

	return user, err
}

func (o *Orchestrator) createUser(ctx context.Context, admin AdminClientInterface, r *run) (*supabase.User, error) {
	callCtx, cancel := o.call(ctx)
	defer cancel()

	return admin.CreateUser(callCtx, r.email, r.req.Password, map[string]any{"full_name": fullName(nil, r.email)})
}

func (o *Orchestrator) upsertProfile(ctx context.Context, r *run) error {
	callCtx, cancel := o.call(ctx)
	defer cancel()

	profile := &types.Profile{
		ID:             r.user.ID,
		Email:          r.email,
		FullName:       fullName(r.user.UserMetadata, r.email),
		ApprovalStatus: types.ApprovalStatusApproved,
		AccessTier:     o.accessTier,
	}

	if err := o.admins(r.org, r.secret).UpsertProfile(callCtx, profile); err != nil {
		return provisionError(StepProfileUpsert, err)
	}

	return nil
}

func (o *Orchestrator) registerMembership(ctx context.Context, r *run) error {
	callCtx, cancel := o.call(ctx)
	defer cancel()

	_, err := o.storage.AddMembership(callCtx, r.email, r.org.ID)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrDuplicateKey):
		o.logger.Infof("membership of %s in %s already registered", r.email, r.org.Slug)
		return nil
	default:
		return provisionError(StepMembershipRegister, err)
	}
}

func (o *Orchestrator) establishSession(ctx context.Context, r *run) error {
	callCtx, cancel := o.call(ctx)
	defer cancel()

	session, err := o.sessions(r.org, "").SignInWithPassword(callCtx, r.email, r.req.Password)
	if err != nil {
		return &types.SessionError{Err: timeoutAware(err)}
	}

	session.OrganizationSlug = r.org.Slug
	if session.UserID == "" {
		session.UserID = r.user.ID
	}

	r.session = session

	return nil
}

// invalidateToken is a conditional write, losing the race to a concurrent completion
// revokes the session of this run.
func (o *Orchestrator) invalidateToken(ctx context.Context, r *run) error {
	callCtx, cancel := o.call(ctx)
	defer cancel()

	err := o.storage.MarkInvitationUsed(callCtx, r.inv.Token, o.now())
	if err == nil {
		return nil
	}

	o.revoke(ctx, r)

	if errors.Is(err, storage.ErrNotFound) {
		o.logger.Warnf("invitation for %s in %s was redeemed concurrently", r.email, r.org.Slug)
		return types.ErrInvalidOrExpiredInvitation
	}

	return provisionError(StepTokenInvalidate, err)
}

func (o *Orchestrator) revoke(ctx context.Context, r *run) {
	callCtx, cancel := o.call(context.WithoutCancel(ctx))
	defer cancel()

	if err := o.sessions(r.org, r.session.AccessToken).SignOut(callCtx); err != nil {
		o.logger.Warnf("failed to revoke session of %s in %s: %v", r.email, r.org.Slug, err)
	}

	r.session = nil
}

// abort settles the error of a failed step. Once the token was validated, a failure of a run whose
// invitation got redeemed by a concurrent completion meanwhile is reported as an unusable invitation.
// Any other failure is logged with what was already applied so the account can be reconciled by hand.
func (o *Orchestrator) abort(ctx context.Context, r *run, step string, err error) error {
	if errors.Is(err, types.ErrInvalidOrExpiredInvitation) {
		return err
	}

	if r.inv != nil && o.redeemedMeanwhile(ctx, r) {
		o.logger.Warnf("invitation for %s in %s was redeemed concurrently, step %s failed: %v", r.email, r.org.Slug, step, err)

		if r.session != nil {
			o.revoke(ctx, r)
		}

		return types.ErrInvalidOrExpiredInvitation
	}

	identity := ""
	if r.user != nil {
		identity = r.user.ID
	}

	o.logger.Errorw("invitation completion aborted, manual reconciliation may be needed",
		"step", step,
		"email", r.email,
		"organization_id", r.org.ID,
		"organization", r.org.Slug,
		"identity", identity,
		"completed", r.completed,
		"error", err,
	)

	return err
}

// redeemedMeanwhile reads the invitation again, a read failure keeps the original error.
func (o *Orchestrator) redeemedMeanwhile(ctx context.Context, r *run) bool {
	callCtx, cancel := o.call(context.WithoutCancel(ctx))
	defer cancel()

	inv, err := o.storage.GetInvitation(callCtx, r.inv.Token, r.email)
	if errors.Is(err, storage.ErrNotFound) {
		return true
	}

	return err == nil && inv.UsedAt != nil
}

func provisionError(step string, err error) error {
	return &types.ProvisionError{Step: step, Err: timeoutAware(err)}
}

func timeoutAware(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, types.ErrTimeout) {
		return fmt.Errorf("%w: %w", types.ErrTimeout, err)
	}

	return err
}

// fullName prefers the name stored on the identity, then the local part of the email.
func fullName(metadata map[string]any, email string) string {
	for _, k := range []string{"full_name", "name"} {
		if v, ok := metadata[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}

	local, _, _ := strings.Cut(email, "@")

	return local
}

func NewOrchestrator(
	store StorageInterface,
	admins AdminFactory,
	sessions SessionFactory,
	config Config,
	tracer tracing.TracingInterface,
	monitor monitoring.MonitorInterface,
	logger logging.LoggerInterface,
	opts ...Option,
) *Orchestrator {
	o := new(Orchestrator)

	config = config.withDefaults()

	o.storage = store
	o.admins = admins
	o.sessions = sessions

	o.timeout = config.CallTimeout
	o.accessTier = config.DefaultAccessTier
	o.now = newOptions(opts).now

	o.tracer = tracer
	o.monitor = monitor
	o.logger = logger

	return o
}
