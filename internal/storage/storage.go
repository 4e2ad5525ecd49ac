// Copyright 2025 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/canonical/tenant-directory/internal/db"
	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
)

var _ StorageInterface = (*Storage)(nil)

var invitationColumns = []string{
	"token", "email", "organization_id", "organization_slug", "endpoint", "anon_key",
	"invited_by", "issued_at", "expires_at", "used_at",
}

type Storage struct {
	db db.DBClientInterface

	logger  logging.LoggerInterface
	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
}

func NewStorage(c db.DBClientInterface, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) *Storage {
	s := new(Storage)

	s.db = c

	s.logger = logger
	s.tracer = tracer
	s.monitor = monitor

	return s
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ListOrganizationsByEmail never selects service_key.
func (s *Storage) ListOrganizationsByEmail(ctx context.Context, email string) ([]types.Organization, error) {
	ctx, span := s.tracer.Start(ctx, "storage.ListOrganizationsByEmail")
	defer span.End()

	rows, err := s.db.Statement(ctx).
		Select("o.id", "o.slug", "o.name", "o.endpoint", "o.anon_key").
		From("organizations o").
		Join("memberships m ON m.organization_id = o.id").
		Where(sq.Eq{"m.email": normalizeEmail(email)}).
		OrderBy("o.slug").
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	orgs := make([]types.Organization, 0)
	for rows.Next() {
		var o types.Organization
		if err := rows.Scan(&o.ID, &o.Slug, &o.Name, &o.Endpoint, &o.AnonymousKey); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return orgs, nil
}

func (s *Storage) GetOrganizationBySlug(ctx context.Context, slug string) (*types.Organization, error) {
	ctx, span := s.tracer.Start(ctx, "storage.GetOrganizationBySlug")
	defer span.End()

	var o types.Organization
	err := s.db.Statement(ctx).
		Select("id", "slug", "name", "endpoint", "anon_key").
		From("organizations").
		Where(sq.Eq{"slug": slug}).
		QueryRowContext(ctx).
		Scan(&o.ID, &o.Slug, &o.Name, &o.Endpoint, &o.AnonymousKey)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	return &o, nil
}

func (s *Storage) GetOrganizationSecret(ctx context.Context, organizationID string) (*types.OrganizationSecret, error) {
	ctx, span := s.tracer.Start(ctx, "storage.GetOrganizationSecret")
	defer span.End()

	secret := types.OrganizationSecret{OrganizationID: organizationID}
	err := s.db.Statement(ctx).
		Select("service_key").
		From("organizations").
		Where(sq.Eq{"id": organizationID}).
		QueryRowContext(ctx).
		Scan(&secret.ServiceKey)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get organization secret: %w", err)
	}

	return &secret, nil
}

func (s *Storage) AddMembership(ctx context.Context, email, organizationID string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "storage.AddMembership")
	defer span.End()

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate membership ID: %w", err)
	}

	_, err = s.db.Statement(ctx).
		Insert("memberships").
		Columns("id", "email", "organization_id").
		Values(id.String(), normalizeEmail(email), organizationID).
		ExecContext(ctx)

	if err != nil {
		if mapped := mapError(err); mapped != err {
			return "", mapped
		}
		return "", fmt.Errorf("failed to add membership: %w", err)
	}

	return id.String(), nil
}

func (s *Storage) CreateInvitation(ctx context.Context, i *types.Invitation) (*types.Invitation, error) {
	ctx, span := s.tracer.Start(ctx, "storage.CreateInvitation")
	defer span.End()

	inv, err := scanInvitation(
		s.db.Statement(ctx).
			Insert("invitations").
			Columns("token", "email", "organization_id", "organization_slug", "endpoint", "anon_key", "invited_by", "issued_at", "expires_at").
			Values(i.Token, normalizeEmail(i.Email), i.OrganizationID, i.OrganizationSlug, i.Endpoint, i.AnonymousKey, i.InvitedBy, i.IssuedAt, i.ExpiresAt).
			Suffix("RETURNING "+strings.Join(invitationColumns, ", ")).
			QueryRowContext(ctx),
	)

	if err != nil {
		if mapped := mapError(err); mapped != err {
			return nil, mapped
		}
		return nil, fmt.Errorf("failed to insert invitation: %w", err)
	}

	return inv, nil
}

// GetInvitation looks the invitation up by token and email together, a token presented
// with the wrong email behaves as a missing one.
func (s *Storage) GetInvitation(ctx context.Context, token, email string) (*types.Invitation, error) {
	ctx, span := s.tracer.Start(ctx, "storage.GetInvitation")
	defer span.End()

	return s.getInvitation(ctx, sq.Eq{"token": token, "email": normalizeEmail(email)})
}

func (s *Storage) GetInvitationByToken(ctx context.Context, token string) (*types.Invitation, error) {
	ctx, span := s.tracer.Start(ctx, "storage.GetInvitationByToken")
	defer span.End()

	return s.getInvitation(ctx, sq.Eq{"token": token})
}

func (s *Storage) getInvitation(ctx context.Context, where sq.Eq) (*types.Invitation, error) {
	inv, err := scanInvitation(
		s.db.Statement(ctx).
			Select(invitationColumns...).
			From("invitations").
			Where(where).
			QueryRowContext(ctx),
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}

	return inv, nil
}

func (s *Storage) MarkInvitationUsed(ctx context.Context, token string, at time.Time) error {
	ctx, span := s.tracer.Start(ctx, "storage.MarkInvitationUsed")
	defer span.End()

	res, err := s.db.Statement(ctx).
		Update("invitations").
		Set("used_at", at).
		Where(sq.Eq{"token": token, "used_at": nil}).
		ExecContext(ctx)

	if err != nil {
		return fmt.Errorf("failed to mark invitation used: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteInvitation only removes invitations that were never redeemed.
func (s *Storage) DeleteInvitation(ctx context.Context, token string) error {
	ctx, span := s.tracer.Start(ctx, "storage.DeleteInvitation")
	defer span.End()

	res, err := s.db.Statement(ctx).
		Delete("invitations").
		Where(sq.Eq{"token": token, "used_at": nil}).
		ExecContext(ctx)

	if err != nil {
		return fmt.Errorf("failed to delete invitation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *Storage) ListPendingInvitations(ctx context.Context, organizationID string, now time.Time) ([]*types.Invitation, error) {
	ctx, span := s.tracer.Start(ctx, "storage.ListPendingInvitations")
	defer span.End()

	rows, err := s.db.Statement(ctx).
		Select(invitationColumns...).
		From("invitations").
		Where(sq.Eq{"organization_id": organizationID, "used_at": nil}).
		Where(sq.Gt{"expires_at": now}).
		OrderBy("issued_at DESC").
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	defer rows.Close()

	var invitations []*types.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invitation: %w", err)
		}
		invitations = append(invitations, inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return invitations, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInvitation(row scanner) (*types.Invitation, error) {
	var (
		i         types.Invitation
		invitedBy sql.NullString
		usedAt    sql.NullTime
	)

	if err := row.Scan(
		&i.Token, &i.Email, &i.OrganizationID, &i.OrganizationSlug, &i.Endpoint, &i.AnonymousKey,
		&invitedBy, &i.IssuedAt, &i.ExpiresAt, &usedAt,
	); err != nil {
		return nil, err
	}

	if invitedBy.Valid {
		i.InvitedBy = &invitedBy.String
	}

	if usedAt.Valid {
		t := usedAt.Time
		i.UsedAt = &t
	}

	return &i, nil
}
