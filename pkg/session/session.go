// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/canonical/tenant-directory/internal/kvstore"
	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/supabase"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
	"github.com/canonical/tenant-directory/pkg/ratelimit"
	"github.com/canonical/tenant-directory/pkg/tenant"
)

const (
	PasswordResetAction = "password_reset"

	// ServerThrottleWait is reported when the tenant store throttled a reset request.
	ServerThrottleWait = 60 * time.Second

	defaultCallTimeout = 10 * time.Second

	organizationKey = "session:organization"
	markerKey       = "session:marker"
	authKeyPrefix   = "auth:"
)

type State int

const (
	Unauthenticated State = iota
	Authenticated
)

func (s State) String() string {
	if s == Authenticated {
		return "authenticated"
	}

	return "unauthenticated"
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithCallTimeout bounds every call to the tenant store.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// Manager owns the authentication state of the currently selected tenant.
type Manager struct {
	mu sync.Mutex

	registry tenant.RegistryInterface
	store    kvstore.Store
	gate     ratelimit.GateInterface

	org     *types.Organization
	conn    *tenant.Connection
	session *types.Session
	state   State

	now     func() time.Time
	timeout time.Duration

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

func (m *Manager) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

// SelectOrganization binds an anonymous connection to org, a session held for
// another organization is signed out first.
func (m *Manager) SelectOrganization(ctx context.Context, org types.Organization) error {
	ctx, span := m.tracer.Start(ctx, "session.Manager.SelectOrganization")
	defer span.End()

	if err := org.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.org != nil && m.org.Slug == org.Slug && m.state == Authenticated {
		return nil
	}

	if m.org != nil && m.org.Slug != org.Slug {
		if err := m.signOut(ctx); err != nil {
			m.logger.Warnf("remote sign out of %s failed while switching organization: %v", m.org.Slug, err)
		}
	}

	if err := kvstore.SetJSON(ctx, m.store, organizationKey, org); err != nil {
		return fmt.Errorf("failed to persist organization: %w", err)
	}

	m.org = &org
	m.conn = m.registry.Get(ctx, org, "")
	m.session = nil
	m.state = Unauthenticated

	return nil
}

func (m *Manager) SignIn(ctx context.Context, email, password string) (*types.Session, error) {
	ctx, span := m.tracer.Start(ctx, "session.Manager.SignIn")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return nil, types.ErrNoTenantBound
	}

	callCtx, cancel := m.call(ctx)
	s, err := m.conn.Client.SignInWithPassword(callCtx, email, password)
	cancel()

	if err != nil {
		m.logger.Security().AuthnFailure(email, "tenant password sign in rejected")
		return nil, err
	}

	if err := m.adopt(ctx, email, s); err != nil {
		return nil, err
	}

	return m.sessionCopy(), nil
}

// SignUp creates the identity in the bound tenant only.
func (m *Manager) SignUp(ctx context.Context, email, password string, profile map[string]any) (*supabase.SignUpResult, error) {
	ctx, span := m.tracer.Start(ctx, "session.Manager.SignUp")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return nil, types.ErrNoTenantBound
	}

	callCtx, cancel := m.call(ctx)
	res, err := m.conn.Client.SignUp(callCtx, email, password, profile)
	cancel()

	if err != nil {
		return nil, err
	}

	if res.Session != nil {
		if err := m.adopt(ctx, email, res.Session); err != nil {
			return nil, err
		}
		res.Session = m.sessionCopy()
	}

	return res, nil
}

// SignOut always clears local state, the remote error, if any, is returned afterwards.
func (m *Manager) SignOut(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "session.Manager.SignOut")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.signOut(ctx)
}

func (m *Manager) signOut(ctx context.Context) error {
	var remoteErr error

	if m.conn != nil && m.state == Authenticated {
		callCtx, cancel := m.call(ctx)
		remoteErr = m.conn.Client.SignOut(callCtx)
		cancel()
	}

	keys := []string{organizationKey, markerKey}

	if m.org != nil {
		m.registry.Clear(m.org.Slug)
		keys = append(keys, authKeyPrefix+m.org.Slug)
	}

	var errs []error
	for _, k := range keys {
		if err := m.store.Delete(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", k, err))
		}
	}

	m.org = nil
	m.conn = nil
	m.session = nil
	m.state = Unauthenticated

	if remoteErr != nil {
		errs = append(errs, fmt.Errorf("remote sign out failed: %w", remoteErr))
	}

	return errors.Join(errs...)
}

// RequestPasswordReset is guarded by the persisted password_reset cooldown.
func (m *Manager) RequestPasswordReset(ctx context.Context, email string) error {
	ctx, span := m.tracer.Start(ctx, "session.Manager.RequestPasswordReset")
	defer span.End()

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return types.ErrNoTenantBound
	}

	if d := m.gate.Allow(ctx, PasswordResetAction); !d.Allowed {
		return d.Err()
	}

	callCtx, cancel := m.call(ctx)
	err := conn.Client.ResetPasswordForEmail(callCtx, email)
	cancel()

	switch {
	case err == nil:
		m.record(ctx)
		return nil
	case supabase.IsRateLimited(err):
		m.record(ctx)
		return &types.CooldownError{Remaining: ServerThrottleWait}
	default:
		return err
	}
}

func (m *Manager) record(ctx context.Context) {
	if err := m.gate.Record(ctx, PasswordResetAction, m.gate.Now()); err != nil {
		m.logger.Errorf("unable to persist password reset attempt: %v", err)
	}
}

// Restore rebinds the persisted organization using the current auth record of that
// organization, refreshing it when expired. Without a usable token the connection is anonymous.
func (m *Manager) Restore(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "session.Manager.Restore")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	var org types.Organization
	err := kvstore.GetJSON(ctx, m.store, organizationKey, &org)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}

	if err == nil {
		err = org.Validate()
	}

	if err != nil {
		m.logger.Warnf("discarding unreadable organization marker: %v", err)
		return m.store.Delete(ctx, organizationKey)
	}

	var marker types.SessionMarker
	if err := kvstore.GetJSON(ctx, m.store, markerKey, &marker); err == nil && marker.OrganizationSlug != org.Slug {
		m.logger.Debugf("discarding session marker of %s", marker.OrganizationSlug)
		_ = m.store.Delete(ctx, markerKey)
	}

	s := m.currentSession(ctx, org)

	m.org = &org
	m.session = s
	m.state = Unauthenticated

	token := ""
	if s != nil {
		token = s.AccessToken
		m.state = Authenticated
	}

	m.conn = m.registry.Get(ctx, org, token)

	return nil
}

func (m *Manager) currentSession(ctx context.Context, org types.Organization) *types.Session {
	key := authKeyPrefix + org.Slug

	var s types.Session
	if err := kvstore.GetJSON(ctx, m.store, key, &s); err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			m.logger.Warnf("discarding unreadable auth record of %s: %v", org.Slug, err)
			_ = m.store.Delete(ctx, key)
		}
		return nil
	}

	if s.AccessToken == "" || s.OrganizationSlug != org.Slug {
		_ = m.store.Delete(ctx, key)
		return nil
	}

	if !s.Expired(m.now()) {
		return &s
	}

	if s.RefreshToken == "" {
		_ = m.store.Delete(ctx, key)
		return nil
	}

	callCtx, cancel := m.call(ctx)
	refreshed, err := m.registry.Get(ctx, org, "").Client.RefreshSession(callCtx, s.RefreshToken)
	cancel()

	if err != nil {
		m.logger.Infof("session of %s could not be refreshed: %v", org.Slug, err)
		_ = m.store.Delete(ctx, key)
		return nil
	}

	refreshed.OrganizationSlug = org.Slug
	if refreshed.UserID == "" {
		refreshed.UserID = s.UserID
	}

	if err := kvstore.SetJSON(ctx, m.store, key, refreshed); err != nil {
		m.logger.Errorf("unable to persist refreshed session: %v", err)
	}

	return refreshed
}

// Adopt binds a session obtained outside the manager, e.g. by completing an invitation.
func (m *Manager) Adopt(ctx context.Context, org types.Organization, email string, s *types.Session) error {
	ctx, span := m.tracer.Start(ctx, "session.Manager.Adopt")
	defer span.End()

	if err := org.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.org != nil && m.org.Slug != org.Slug {
		if err := m.signOut(ctx); err != nil {
			m.logger.Warnf("remote sign out of previous organization failed: %v", err)
		}
	}

	if err := kvstore.SetJSON(ctx, m.store, organizationKey, org); err != nil {
		return fmt.Errorf("failed to persist organization: %w", err)
	}

	m.org = &org

	return m.adopt(ctx, email, s)
}

func (m *Manager) adopt(ctx context.Context, email string, s *types.Session) error {
	if s == nil || s.AccessToken == "" {
		return fmt.Errorf("session carries no access token")
	}

	bound := *s
	bound.OrganizationSlug = m.org.Slug

	marker := types.SessionMarker{
		UserID:           bound.UserID,
		Email:            email,
		OrganizationSlug: bound.OrganizationSlug,
	}

	if err := kvstore.SetJSON(ctx, m.store, authKeyPrefix+bound.OrganizationSlug, bound); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	if err := kvstore.SetJSON(ctx, m.store, markerKey, marker); err != nil {
		return fmt.Errorf("failed to persist session marker: %w", err)
	}

	m.conn = m.registry.Get(ctx, *m.org, bound.AccessToken)
	m.session = &bound
	m.state = Authenticated

	return nil
}

// CurrentUser asks the tenant store who the bound session belongs to.
func (m *Manager) CurrentUser(ctx context.Context) (*supabase.User, error) {
	ctx, span := m.tracer.Start(ctx, "session.Manager.CurrentUser")
	defer span.End()

	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if conn == nil {
		return nil, types.ErrNoTenantBound
	}

	if state != Authenticated {
		return nil, fmt.Errorf("not signed in to %s", conn.Organization.Slug)
	}

	callCtx, cancel := m.call(ctx)
	defer cancel()

	return conn.Client.GetUser(callCtx)
}

// Marker returns the persisted session identifiers, if any.
func (m *Manager) Marker(ctx context.Context) (*types.SessionMarker, error) {
	var marker types.SessionMarker
	if err := kvstore.GetJSON(ctx, m.store, markerKey, &marker); err != nil {
		return nil, err
	}

	return &marker, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

func (m *Manager) Session() *types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sessionCopy()
}

func (m *Manager) sessionCopy() *types.Session {
	if m.session == nil {
		return nil
	}

	s := *m.session
	return &s
}

func (m *Manager) Organization() (types.Organization, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.org == nil {
		return types.Organization{}, false
	}

	return *m.org, true
}

// Connection is the live tenant connection other parts of the application work with.
func (m *Manager) Connection() *tenant.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.conn
}

func NewManager(registry tenant.RegistryInterface, store kvstore.Store, gate ratelimit.GateInterface, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface, opts ...Option) *Manager {
	m := new(Manager)

	m.registry = registry
	m.store = store
	m.gate = gate
	m.state = Unauthenticated
	m.now = time.Now
	m.timeout = defaultCallTimeout

	m.tracer = tracer
	m.monitor = monitor
	m.logger = logger

	for _, opt := range opts {
		opt(m)
	}

	return m
}
