// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package invitation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/storage"
	"github.com/canonical/tenant-directory/internal/supabase"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
)

//go:generate mockgen -build_flags=--mod=mod -package invitation -destination ./mock_invitation.go -source=./interfaces.go

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func pendingInvitation(issuedAt time.Time) *types.Invitation {
	return &types.Invitation{
		Token:            "tok-1",
		Email:            "ana@example.com",
		OrganizationID:   "org-acme",
		OrganizationSlug: "acme",
		Endpoint:         "https://acme.example.com",
		AnonymousKey:     "anon-acme",
		IssuedAt:         issuedAt,
		ExpiresAt:        issuedAt.Add(DefaultLifetime),
	}
}

func completionRequest() *CompletionRequest {
	return &CompletionRequest{
		Email:            "Ana@Example.com",
		Password:         "s3cret-pass",
		OrganizationSlug: "acme",
		InvitationToken:  "tok-1",
	}
}

type orchestratorFixture struct {
	storage  *MockStorageInterface
	admin    *MockAdminClientInterface
	sessions map[string]*MockSessionClientInterface

	orchestrator *Orchestrator
}

func newOrchestratorFixture(t *testing.T, now time.Time) *orchestratorFixture {
	t.Helper()

	ctrl := gomock.NewController(t)
	logger := logging.NewNoopLogger()

	f := &orchestratorFixture{
		storage: NewMockStorageInterface(ctrl),
		admin:   NewMockAdminClientInterface(ctrl),
		sessions: map[string]*MockSessionClientInterface{
			"":             NewMockSessionClientInterface(ctrl),
			"access-token": NewMockSessionClientInterface(ctrl),
		},
	}

	admins := func(org types.Organization, secret *types.OrganizationSecret) AdminClientInterface {
		if secret.ServiceKey != "service-acme" {
			t.Errorf("admin client built with the wrong credential")
		}
		return f.admin
	}

	sessions := func(org types.Organization, accessToken string) SessionClientInterface {
		if org.AnonymousKey != "anon-acme" {
			t.Errorf("session client built with the wrong anonymous key %q", org.AnonymousKey)
		}
		return f.sessions[accessToken]
	}

	f.orchestrator = NewOrchestrator(
		f.storage,
		admins,
		sessions,
		Config{CallTimeout: time.Second},
		tracing.NewNoopTracer(),
		monitoring.NewNoopMonitor("test", logger),
		logger,
		WithClock(func() time.Time { return now }),
	)

	return f
}

func secret() *types.OrganizationSecret {
	return &types.OrganizationSecret{OrganizationID: "org-acme", ServiceKey: "service-acme"}
}

func session() *types.Session {
	return &types.Session{AccessToken: "access-token", RefreshToken: "refresh-token", ExpiresAt: t0.Add(time.Hour), UserID: "user-1"}
}

func TestCompleteRunsStepsInOrder(t *testing.T) {
	now := t0.Add(24 * time.Hour)
	f := newOrchestratorFixture(t, now)

	gomock.InOrder(
		f.storage.EXPECT().GetInvitation(gomock.Any(), "tok-1", "ana@example.com").Return(pendingInvitation(t0), nil),
		f.storage.EXPECT().GetOrganizationSecret(gomock.Any(), "org-acme").Return(secret(), nil),
		f.admin.EXPECT().FindUserByEmail(gomock.Any(), "ana@example.com").Return(nil, supabase.ErrUserNotFound),
		f.admin.EXPECT().CreateUser(gomock.Any(), "ana@example.com", "s3cret-pass", gomock.Any()).
			Return(&supabase.User{ID: "user-1", Email: "ana@example.com"}, nil),
		f.admin.EXPECT().UpsertProfile(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, p *types.Profile) error {
				expected := types.Profile{
					ID:             "user-1",
					Email:          "ana@example.com",
					FullName:       "ana",
					ApprovalStatus: types.ApprovalStatusApproved,
					AccessTier:     DefaultAccessTier,
				}
				if *p != expected {
					t.Errorf("expected profile %+v, got %+v", expected, *p)
				}
				return nil
			},
		),
		f.storage.EXPECT().AddMembership(gomock.Any(), "ana@example.com", "org-acme").Return("membership-1", nil),
		f.sessions[""].EXPECT().SignInWithPassword(gomock.Any(), "ana@example.com", "s3cret-pass").Return(session(), nil),
		f.storage.EXPECT().MarkInvitationUsed(gomock.Any(), "tok-1", now).Return(nil),
	)

	result, err := f.orchestrator.Complete(context.Background(), completionRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Session.AccessToken != "access-token" || result.Session.RefreshToken != "refresh-token" {
		t.Errorf("expected the real session, got %+v", result.Session)
	}

	if result.Session.OrganizationSlug != "acme" {
		t.Errorf("expected session scoped to acme, got %q", result.Session.OrganizationSlug)
	}

	if result.Organization.Endpoint != "https://acme.example.com" || result.Organization.AnonymousKey != "anon-acme" {
		t.Errorf("unexpected organization %+v", result.Organization)
	}

	if result.UserID != "user-1" {
		t.Errorf("expected user-1, got %s", result.UserID)
	}
}

func TestCompleteUpdatesExistingIdentity(t *testing.T) {
	f := newOrchestratorFixture(t, t0)

	existing := &supabase.User{ID: "user-7", Email: "ana@example.com", UserMetadata: map[string]any{"full_name": "Ana Lima"}}

	gomock.InOrder(
		f.storage.EXPECT().GetInvitation(gomock.Any(), "tok-1", "ana@example.com").Return(pendingInvitation(t0), nil),
		f.storage.EXPECT().GetOrganizationSecret(gomock.Any(), "org-acme").Return(secret(), nil),
		f.admin.EXPECT().FindUserByEmail(gomock.Any(), "ana@example.com").Return(existing, nil),
		f.admin.EXPECT().UpdateUserPassword(gomock.Any(), "user-7", "s3cret-pass").Return(existing, nil),
		f.admin.EXPECT().UpsertProfile(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, p *types.Profile) error {
				if p.ID != "user-7" || p.FullName != "Ana Lima" {
					t.Errorf("unexpected profile %+v", p)
				}
				return nil
			},
		),
		f.storage.EXPECT().AddMembership(gomock.Any(), "ana@example.com", "org-acme").Return("m", nil),
		f.sessions[""].EXPECT().SignInWithPassword(gomock.Any(), "ana@example.com", "s3cret-pass").Return(session(), nil),
		f.storage.EXPECT().MarkInvitationUsed(gomock.Any(), "tok-1", t0).Return(nil),
	)

	result, err := f.orchestrator.Complete(context.Background(), completionRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.UserID != "user-7" {
		t.Errorf("expected existing identity, got %s", result.UserID)
	}
}

func TestCompleteRejectsUnusableInvitations(t *testing.T) {
	used := t0.Add(time.Hour)

	tests := []struct {
		name  string
		now   time.Time
		req   func(*CompletionRequest)
		setup func(*MockStorageInterface)
	}{
		{
			name: "unknown token",
			now:  t0,
			setup: func(m *MockStorageInterface) {
				m.EXPECT().GetInvitation(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, storage.ErrNotFound)
			},
		},
		{
			name: "already used",
			now:  t0.Add(2 * time.Hour),
			setup: func(m *MockStorageInterface) {
				inv := pendingInvitation(t0)
				inv.UsedAt = &used
				m.EXPECT().GetInvitation(gomock.Any(), gomock.Any(), gomock.Any()).Return(inv, nil)
			},
		},
		{
			name: "redeemed eight days after issuance",
			now:  t0.Add(8 * 24 * time.Hour),
			setup: func(m *MockStorageInterface) {
				m.EXPECT().GetInvitation(gomock.Any(), gomock.Any(), gomock.Any()).Return(pendingInvitation(t0), nil)
			},
		},
		{
			name: "expires exactly now",
			now:  t0.Add(DefaultLifetime),
			setup: func(m *MockStorageInterface) {
				m.EXPECT().GetInvitation(gomock.Any(), gomock.Any(), gomock.Any()).Return(pendingInvitation(t0), nil)
			},
		},
		{
			name: "organization mismatch",
			now:  t0,
			req:  func(r *CompletionRequest) { r.OrganizationSlug = "beta" },
			setup: func(m *MockStorageInterface) {
				m.EXPECT().GetInvitation(gomock.Any(), gomock.Any(), gomock.Any()).Return(pendingInvitation(t0), nil)
			},
		},
		{
			name:  "missing token",
			now:   t0,
			req:   func(r *CompletionRequest) { r.InvitationToken = "" },
			setup: func(*MockStorageInterface) {},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newOrchestratorFixture(t, test.now)
			test.setup(f.storage)

			req := completionRequest()
			if test.req != nil {
				test.req(req)
			}

			result, err := f.orchestrator.Complete(context.Background(), req)

			if !errors.Is(err, types.ErrInvalidOrExpiredInvitation) {
				t.Errorf("expected ErrInvalidOrExpiredInvitation, got %v", err)
			}

			if err != types.ErrInvalidOrExpiredInvitation {
				t.Errorf("expected the bare sentinel so the cause is not leaked, got %v", err)
			}

			if result != nil {
				t.Error("expected no result")
			}
		})
	}
}

func TestCompleteStepFailures(t *testing.T) {
	boom := errors.New("boom")

	// each case sets the expectations up to and including the failing step
	tests := []struct {
		name         string
		setup        func(*orchestratorFixture)
		expectedStep string
	}{
		{
			name: "credential fetch",
			setup: func(f *orchestratorFixture) {
				f.storage.EXPECT().GetOrganizationSecret(gomock.Any(), "org-acme").Return(nil, storage.ErrNotFound)
			},
			expectedStep: StepOrgCredentialFetch,
		},
		{
			name: "identity lookup",
			setup: func(f *orchestratorFixture) {
				f.storage.EXPECT().GetOrganizationSecret(gomock.Any(), "org-acme").Return(secret(), nil)
				f.admin.EXPECT().FindUserByEmail(gomock.Any(), gomock.Any()).Return(nil, boom)
			},
			expectedStep: StepUserProvision,
		},
		{
			name: "identity creation",
			setup: func(f *orchestratorFixture) {
				f.storage.EXPECT().GetOrganizationSecret(gomock.Any(), "org-acme").Return(secret(), nil)
				f.admin.EXPECT().FindUserByEmail(gomock.Any(), gomock.Any()).Return(nil, supabase.ErrUserNotFound)
				f.admin.EXPECT().CreateUser(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, boom)
			},
			expectedStep: StepUserProvision,
		},
		{
			name: "profile upsert",
			setup: func(f *orchestratorFixture) {
				f.storage.EXPECT().GetOrganizationSecret(gomock.Any(), "org-acme").Return(secret(), nil)
				f.admin.EXPECT().FindUserByEmail(gomock.Any(), gomock.Any()).Return(nil, supabase.ErrUserNotFound)
				f.admin.EXPECT().CreateUser(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(&supabase.User{ID: "user-1"}, nil)
				f.admin.EXPECT().UpsertProfile(gomock.Any(), gomock.Any()).Return(boom)
			},
			expectedStep: StepProfileUpsert,
		},
		{
			name: "membership registration",
			setup: func(f *orchestratorFixture) {
				f.storage.EXPECT().GetOrganizationSecret(gomock.Any(), "org-acme").Return(secret(), nil)
				f.admin.EXPECT().FindUserByEmail(gomock.Any(), gomock.Any()).Return(nil, supabase.ErrUserNotFound)
				f.admin.EXPECT().CreateUser(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(&supabase.User{ID: "user-1"}, nil)
				f.admin.EXPECT().UpsertProfile(gomock.Any(), gomock.Any()).Return(nil)
				f.storage.EXPECT().AddMembership(gomock.Any(), gomock.Any(), gomock.Any()).Return("", storage.ErrForeignKeyViolation)
			},
			expectedStep: StepMembershipRegister,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newOrchestratorFixture(t, t0)

			// read once to validate and once more after the failure
			f.storage.EXPECT().GetInvitation(gomock.Any(), gomock.Any(), gomock.Any()).Return(pendingInvitation(t0), nil).Times(2)
			test.setup(f)

			_, err := f.orchestrator.Complete(context.Background(), completionRequest())

			if !errors.Is(err, types.ErrTenantProvisionFailed) {
				t.Fatalf("expected ErrTenantProvisionFailed, got %v", err)
			}

			var provisionErr *types.ProvisionError
			if !errors.As(err, &provisionErr) || provisionErr.Step != test.expectedStep {
				t.Errorf("expected failure at %s, got %v", test.expectedStep, err)
			}
		})
	}
}

func TestCompleteAcceptsExistingMembership(t *testing.T) {
	f := newOrchestratorFixture(t, t0)

	f.storage.EXPECT().GetInvitation(gomock.Any(), gomock.Any(), gomock.Any()).Return(pendingInvitation(t0), nil)
	f.storage.EXPECT().GetOrganizationSecret(gomock.Any(), "org-acme").Return(secret(), nil)
	f.admin.EXPECT().FindUserByEmail(gomock.Any(), gomock.Any()).Return(&supabase.User{ID: "user-1"}, nil)
	f.admin.EXPECT().UpdateUserPassword(gomock.Any(), "user-1", gomock.Any()).Return(&supabase.User{ID: "user-1"}, nil)
	f.admin.EXPECT().UpsertProfile(gomock.Any(), gomock.Any()).Return(nil)
	f.storage.EXPECT().AddMembership(gomock.Any(), gomock.Any(), gomock.Any()).Return("", fmt.Errorf("insert: %w", storage.ErrDuplicateKey))
	f.sessions[""].EXPECT().SignInWithPassword(gomock.Any(), gomock.Any(), gomock.Any()).Return(session(), nil)
	f.storage.EXPECT().MarkInvitationUsed(gomock.Any(), "tok-1", t0).Return(nil)

	if _, err := f.orchestrator.Complete(context.Background(), completionRequest()); err != nil {
		t.Fatalf("a membership left by a previous partial run must not fail completion: %v", err)
	}
}

func TestCompleteSessionFailureKeepsTokenUsable(t *testing.T) {
	f := newOrchestratorFixture(t, t0)

	f.storage.EXPECT().GetInvitation(gomock.Any(), gomock.Any(), gomock.Any()).Return(pendingInvitation(t0), nil).Times(2)
	f.storage.EXPECT().GetOrganizationSecret(gomock.Any(), "org-acme").Return(secret(), nil)
	f.admin.EXPECT().FindUserByEmail(gomock.Any(), gomock.Any()).Return(nil, supabase.ErrUserNotFound)
	f.admin.EXPECT().CreateUser(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(&supabase.User{ID: "user-1"}, nil)
	f.admin.EXPECT().UpsertProfile(gomock.Any(), gomock.Any()).Return(nil)
	f.storage.EXPECT().AddMembership(gomock.Any(), gomock.Any(), gomock.Any()).Return("m", nil)
	f.sessions[""].EXPECT().SignInWithPassword(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, &supabase.APIError{StatusCode: 400, Message: "Email not confirmed"})
	f.storage.EXPECT().MarkInvitationUsed(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	_, err := f.orchestrator.Complete(context.Background(), completionRequest())

	if !errors.Is(err, types.ErrSessionEstablishFailed) {
		t.Fatalf("expected ErrSessionEstablishFailed, got %v", err)
	}

	if errors.Is(err, types.ErrTenantProvisionFailed) {
		t.Error("a session failure is not a provisioning failure")
	}
}

func TestCompleteTimeout(t *testing.T) {
	f := newOrchestratorFixture(t, t0)

	f.storage.EXPECT().GetInvitation(gomock.Any(), gomock.Any(), gomock.Any()).Return(pendingInvitation(t0), nil).Times(2)
	f.storage.EXPECT().GetOrganizationSecret(gomock.Any(), "org-acme").Return(secret(), nil)
	f.admin.EXPECT().FindUserByEmail(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ string) (*supabase.User, error) {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("expected every remote call to carry a deadline")
			}
			return nil, fmt.Errorf("get users: %w", context.DeadlineExceeded)
		},
	)

	_, err := f.orchestrator.Complete(context.Background(), completionRequest())

	if !errors.Is(err, types.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}

	if !errors.Is(err, types.ErrTenantProvisionFailed) {
		t.Errorf("expected the failing step to be reported, got %v", err)
	}
}

func TestCompleteTokenReadFailure(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		timeout bool
	}{
		{name: "deadline", err: fmt.Errorf("select invitation: %w", context.DeadlineExceeded), timeout: true},
		{name: "connection refused", err: errors.New("connection refused")},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newOrchestratorFixture(t, t0)

			f.storage.EXPECT().GetInvitation(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, test.err)
			f.storage.EXPECT().GetOrganizationSecret(gomock.Any(), gomock.Any()).Times(0)

			_, err := f.orchestrator.Complete(context.Background(), completionRequest())

			if errors.Is(err, types.ErrInvalidOrExpiredInvitation) {
				t.Fatalf("an unreachable store must not invalidate the invitation, got %v", err)
			}

			if errors.Is(err, types.ErrTimeout) != test.timeout {
				t.Errorf("expected timeout %v, got %v", test.timeout, err)
			}

			var provisionErr *types.ProvisionError
			if !errors.As(err, &provisionErr) || provisionErr.Step != StepTokenValidate {
				t.Errorf("expected failure at %s, got %v", StepTokenValidate, err)
			}
		})
	}
}

func TestCompleteFailureAfterConcurrentRedemption(t *testing.T) {
	used := t0.Add(time.Minute)
	redeemed := pendingInvitation(t0)
	redeemed.UsedAt = &used

	tests := []struct {
		name   string
		reread func(*MockStorageInterface)
		setup  func(*orchestratorFixture)
	}{
		{
			name: "profile upsert fails after the token was used",
			reread: func(m *MockStorageInterface) {
				m.EXPECT().GetInvitation(gomock.Any(), "tok-1", "ana@example.com").Return(redeemed, nil)
			},
			setup: func(f *orchestratorFixture) {
				f.admin.EXPECT().UpsertProfile(gomock.Any(), gomock.Any()).Return(&supabase.APIError{StatusCode: 409, Code: "23505", Message: "duplicate key"})
			},
		},
		{
			name: "profile upsert fails after the invitation was revoked",
			reread: func(m *MockStorageInterface) {
				m.EXPECT().GetInvitation(gomock.Any(), "tok-1", "ana@example.com").Return(nil, storage.ErrNotFound)
			},
			setup: func(f *orchestratorFixture) {
				f.admin.EXPECT().UpsertProfile(gomock.Any(), gomock.Any()).Return(errors.New("boom"))
			},
		},
		{
			name: "token invalidation fails after the token was used",
			reread: func(m *MockStorageInterface) {
				m.EXPECT().GetInvitation(gomock.Any(), "tok-1", "ana@example.com").Return(redeemed, nil)
			},
			setup: func(f *orchestratorFixture) {
				f.admin.EXPECT().UpsertProfile(gomock.Any(), gomock.Any()).Return(nil)
				f.storage.EXPECT().AddMembership(gomock.Any(), gomock.Any(), gomock.Any()).Return("m", nil)
				f.sessions[""].EXPECT().SignInWithPassword(gomock.Any(), gomock.Any(), gomock.Any()).Return(session(), nil)
				f.storage.EXPECT().MarkInvitationUsed(gomock.Any(), "tok-1", t0).Return(errors.New("serialization failure"))
				f.sessions["access-token"].EXPECT().SignOut(gomock.Any()).Return(nil)
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newOrchestratorFixture(t, t0)

			gomock.InOrder(
				f.storage.EXPECT().GetInvitation(gomock.Any(), "tok-1", "ana@example.com").Return(pendingInvitation(t0), nil),
				f.storage.EXPECT().GetOrganizationSecret(gomock.Any(), "org-acme").Return(secret(), nil),
				f.admin.EXPECT().FindUserByEmail(gomock.Any(), gomock.Any()).Return(&supabase.User{ID: "user-1"}, nil),
				f.admin.EXPECT().UpdateUserPassword(gomock.Any(), "user-1", gomock.Any()).Return(&supabase.User{ID: "user-1"}, nil),
			)
			test.setup(f)
			test.reread(f.storage)

			result, err := f.orchestrator.Complete(context.Background(), completionRequest())

			if err != types.ErrInvalidOrExpiredInvitation {
				t.Errorf("expected the bare ErrInvalidOrExpiredInvitation, got %v", err)
			}

			if result != nil {
				t.Error("expected no result")
			}
		})
	}
}

func TestCompleteUpdatesIdentityCreatedConcurrently(t *testing.T) {
	f := newOrchestratorFixture(t, t0)

	exists := &supabase.APIError{StatusCode: 422, Code: "email_exists", Message: "A user with this email address has already been registered"}

	gomock.InOrder(
		f.storage.EXPECT().GetInvitation(gomock.Any(), "tok-1", "ana@example.com").Return(pendingInvitation(t0), nil),
		f.storage.EXPECT().GetOrganizationSecret(gomock.Any(), "org-acme").Return(secret(), nil),
		f.admin.EXPECT().FindUserByEmail(gomock.Any(), "ana@example.com").Return(nil, supabase.ErrUserNotFound),
		f.admin.EXPECT().CreateUser(gomock.Any(), "ana@example.com", "s3cret-pass", gomock.Any()).Return(nil, exists),
		f.admin.EXPECT().FindUserByEmail(gomock.Any(), "ana@example.com").Return(&supabase.User{ID: "user-9"}, nil),
		f.admin.EXPECT().UpdateUserPassword(gomock.Any(), "user-9", "s3cret-pass").Return(&supabase.User{ID: "user-9"}, nil),
		f.admin.EXPECT().UpsertProfile(gomock.Any(), gomock.Any()).Return(nil),
		f.storage.EXPECT().AddMembership(gomock.Any(), "ana@example.com", "org-acme").Return("m", nil),
		f.sessions[""].EXPECT().SignInWithPassword(gomock.Any(), "ana@example.com", "s3cret-pass").Return(session(), nil),
		f.storage.EXPECT().MarkInvitationUsed(gomock.Any(), "tok-1", t0).Return(nil),
	)

	result, err := f.orchestrator.Complete(context.Background(), completionRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.UserID != "user-9" {
		t.Errorf("expected the concurrently created identity, got %s", result.UserID)
	}
}

func TestCompleteLosingTheRaceRevokesSession(t *testing.T) {
	f := newOrchestratorFixture(t, t0)

	f.storage.EXPECT().GetInvitation(gomock.Any(), gomock.Any(), gomock.Any()).Return(pendingInvitation(t0), nil)
	f.storage.EXPECT().GetOrganizationSecret(gomock.Any(), "org-acme").Return(secret(), nil)
	f.admin.EXPECT().FindUserByEmail(gomock.Any(), gomock.Any()).Return(&supabase.User{ID: "user-1"}, nil)
	f.admin.EXPECT().UpdateUserPassword(gomock.Any(), gomock.Any(), gomock.Any()).Return(&supabase.User{ID: "user-1"}, nil)
	f.admin.EXPECT().UpsertProfile(gomock.Any(), gomock.Any()).Return(nil)
	f.storage.EXPECT().AddMembership(gomock.Any(), gomock.Any(), gomock.Any()).Return("", storage.ErrDuplicateKey)
	f.sessions[""].EXPECT().SignInWithPassword(gomock.Any(), gomock.Any(), gomock.Any()).Return(session(), nil)
	f.storage.EXPECT().MarkInvitationUsed(gomock.Any(), "tok-1", t0).Return(storage.ErrNotFound)
	f.sessions["access-token"].EXPECT().SignOut(gomock.Any()).Return(nil)

	result, err := f.orchestrator.Complete(context.Background(), completionRequest())

	if !errors.Is(err, types.ErrInvalidOrExpiredInvitation) {
		t.Errorf("expected ErrInvalidOrExpiredInvitation, got %v", err)
	}

	if result != nil {
		t.Error("a session of a lost race must never be returned")
	}
}

// memStorage is a management store with the same conditional update semantics as the SQL one.
type memStorage struct {
	StorageInterface

	mu          sync.Mutex
	invitations map[string]*types.Invitation
	memberships map[string]bool
	usedMarks   int
}

func (s *memStorage) GetInvitation(_ context.Context, token, email string) (*types.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invitations[token]
	if !ok || inv.Email != email {
		return nil, storage.ErrNotFound
	}

	c := *inv

	return &c, nil
}

func (s *memStorage) GetOrganizationSecret(context.Context, string) (*types.OrganizationSecret, error) {
	return secret(), nil
}

func (s *memStorage) AddMembership(_ context.Context, email, organizationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := email + "/" + organizationID
	if s.memberships[key] {
		return "", storage.ErrDuplicateKey
	}

	s.memberships[key] = true

	return key, nil
}

func (s *memStorage) MarkInvitationUsed(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invitations[token]
	if !ok || inv.UsedAt != nil {
		return storage.ErrNotFound
	}

	inv.UsedAt = &at
	s.usedMarks++

	return nil
}

type fakeAdmin struct{}

func (fakeAdmin) FindUserByEmail(context.Context, string) (*supabase.User, error) {
	return &supabase.User{ID: "user-1"}, nil
}

func (fakeAdmin) CreateUser(context.Context, string, string, map[string]any) (*supabase.User, error) {
	return nil, errors.New("unexpected create")
}

func (fakeAdmin) UpdateUserPassword(_ context.Context, id, _ string) (*supabase.User, error) {
	return &supabase.User{ID: id}, nil
}

func (fakeAdmin) UpsertProfile(context.Context, *types.Profile) error {
	return nil
}

type fakeSessions struct {
	signIns  atomic.Int32
	signOuts atomic.Int32
}

func (f *fakeSessions) client(_ types.Organization, accessToken string) SessionClientInterface {
	return &fakeSession{parent: f, token: accessToken}
}

type fakeSession struct {
	parent *fakeSessions
	token  string
}

func (s *fakeSession) SignInWithPassword(context.Context, string, string) (*types.Session, error) {
	n := s.parent.signIns.Add(1)
	return &types.Session{AccessToken: fmt.Sprintf("access-%d", n), UserID: "user-1"}, nil
}

func (s *fakeSession) SignOut(context.Context) error {
	if s.token == "" {
		return errors.New("sign out without a session")
	}
	s.parent.signOuts.Add(1)
	return nil
}

func TestCompleteIsSingleUseUnderConcurrency(t *testing.T) {
	store := &memStorage{
		invitations: map[string]*types.Invitation{"tok-1": pendingInvitation(t0)},
		memberships: make(map[string]bool),
	}
	sessions := new(fakeSessions)
	logger := logging.NewNoopLogger()

	o := NewOrchestrator(
		store,
		func(types.Organization, *types.OrganizationSecret) AdminClientInterface { return fakeAdmin{} },
		sessions.client,
		Config{},
		tracing.NewNoopTracer(),
		monitoring.NewNoopMonitor("test", logger),
		logger,
		WithClock(func() time.Time { return t0 }),
	)

	const attempts = 16

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		rejected  atomic.Int32
	)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			result, err := o.Complete(context.Background(), completionRequest())
			switch {
			case err == nil && result.Session != nil:
				successes.Add(1)
			case errors.Is(err, types.ErrInvalidOrExpiredInvitation):
				rejected.Add(1)
			default:
				t.Errorf("unexpected outcome %v", err)
			}
		}()
	}

	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("expected exactly one successful redemption, got %d", successes.Load())
	}

	if rejected.Load() != attempts-1 {
		t.Errorf("expected %d rejections, got %d", attempts-1, rejected.Load())
	}

	if store.usedMarks != 1 {
		t.Errorf("expected exactly one used_at transition, got %d", store.usedMarks)
	}

	if live := sessions.signIns.Load() - sessions.signOuts.Load(); live != 1 {
		t.Errorf("expected exactly one live session, got %d", live)
	}
}

// racingAdmin holds every first lookup until all callers made one, then lets a single create win.
type racingAdmin struct {
	callers int
	arrived sync.WaitGroup

	mu      sync.Mutex
	lookups int
	created *supabase.User
	creates int
}

func newRacingAdmin(callers int) *racingAdmin {
	a := &racingAdmin{callers: callers}
	a.arrived.Add(callers)

	return a
}

func (a *racingAdmin) FindUserByEmail(context.Context, string) (*supabase.User, error) {
	a.mu.Lock()
	a.lookups++
	first := a.lookups <= a.callers
	a.mu.Unlock()

	if first {
		a.arrived.Done()
		a.arrived.Wait()
		return nil, supabase.ErrUserNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.created == nil {
		return nil, supabase.ErrUserNotFound
	}

	u := *a.created

	return &u, nil
}

func (a *racingAdmin) CreateUser(_ context.Context, email, _ string, _ map[string]any) (*supabase.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.created != nil {
		return nil, &supabase.APIError{
			StatusCode: 422,
			Code:       "email_exists",
			Message:    "A user with this email address has already been registered",
		}
	}

	a.created = &supabase.User{ID: "user-1", Email: email}
	a.creates++

	u := *a.created

	return &u, nil
}

func (a *racingAdmin) UpdateUserPassword(_ context.Context, id, _ string) (*supabase.User, error) {
	return &supabase.User{ID: id}, nil
}

func (a *racingAdmin) UpsertProfile(context.Context, *types.Profile) error {
	return nil
}

func TestCompleteIsSingleUseForNewInvitee(t *testing.T) {
	const attempts = 8

	store := &memStorage{
		invitations: map[string]*types.Invitation{"tok-1": pendingInvitation(t0)},
		memberships: make(map[string]bool),
	}
	admin := newRacingAdmin(attempts)
	sessions := new(fakeSessions)
	logger := logging.NewNoopLogger()

	o := NewOrchestrator(
		store,
		func(types.Organization, *types.OrganizationSecret) AdminClientInterface { return admin },
		sessions.client,
		Config{},
		tracing.NewNoopTracer(),
		monitoring.NewNoopMonitor("test", logger),
		logger,
		WithClock(func() time.Time { return t0 }),
	)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		rejected  atomic.Int32
	)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			result, err := o.Complete(context.Background(), completionRequest())
			switch {
			case err == nil && result.Session != nil:
				successes.Add(1)
			case err == types.ErrInvalidOrExpiredInvitation:
				rejected.Add(1)
			default:
				t.Errorf("unexpected outcome %v", err)
			}
		}()
	}

	wg.Wait()

	if successes.Load() != 1 || rejected.Load() != attempts-1 {
		t.Errorf("expected 1 success and %d rejections, got %d and %d", attempts-1, successes.Load(), rejected.Load())
	}

	if admin.creates != 1 {
		t.Errorf("expected a single identity, got %d", admin.creates)
	}

	if store.usedMarks != 1 {
		t.Errorf("expected exactly one used_at transition, got %d", store.usedMarks)
	}

	if live := sessions.signIns.Load() - sessions.signOuts.Load(); live != 1 {
		t.Errorf("expected exactly one live session, got %d", live)
	}
}
