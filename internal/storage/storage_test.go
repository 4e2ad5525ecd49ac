// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/canonical/tenant-directory/internal/db"
	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
)

func newTestStorage(t *testing.T, matchers ...sqlmock.QueryMatcher) (*Storage, sqlmock.Sqlmock) {
	t.Helper()

	matcher := sqlmock.QueryMatcher(sqlmock.QueryMatcherRegexp)
	if len(matchers) > 0 {
		matcher = matchers[len(matchers)-1]
	}

	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(matcher))
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}

	logger := logging.NewNoopLogger()
	tracer := tracing.NewNoopTracer()
	monitor := monitoring.NewNoopMonitor("test", logger)

	c := db.NewDBClientFromDB(conn, tracer, monitor, logger)
	t.Cleanup(c.Close)

	return NewStorage(c, tracer, monitor, logger), mock
}

func invitationRow(token string, usedAt any) *sqlmock.Rows {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	return sqlmock.NewRows(invitationColumns).
		AddRow(token, "a@x.com", "org-1", "acme", "https://acme.example.com", "anon", nil, issued, issued.Add(168*time.Hour), usedAt)
}

func TestListOrganizationsByEmailNeverSelectsServiceKey(t *testing.T) {
	var queries []string
	matcher := sqlmock.QueryMatcherFunc(func(expected, actual string) error {
		queries = append(queries, actual)
		return sqlmock.QueryMatcherRegexp.Match(expected, actual)
	})

	s, mock := newTestStorage(t, matcher)

	mock.ExpectQuery("SELECT (.+) FROM organizations o JOIN memberships m").
		WithArgs("a@x.com").
		WillReturnRows(
			sqlmock.NewRows([]string{"id", "slug", "name", "endpoint", "anon_key"}).
				AddRow("org-1", "acme", "Acme", "https://acme.example.com", "anon-a").
				AddRow("org-2", "beta", "Beta", "https://beta.example.com", "anon-b"),
		)

	orgs, err := s.ListOrganizationsByEmail(context.Background(), "  A@X.com ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(orgs) != 2 || orgs[0].Slug != "acme" || orgs[1].Slug != "beta" {
		t.Errorf("unexpected organizations %+v", orgs)
	}

	for _, q := range queries {
		if strings.Contains(q, "service_key") {
			t.Errorf("lookup query selects the service credential: %s", q)
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestListOrganizationsByEmailEmpty(t *testing.T) {
	s, mock := newTestStorage(t)

	mock.ExpectQuery("SELECT (.+) FROM organizations o").
		WillReturnRows(sqlmock.NewRows([]string{"id", "slug", "name", "endpoint", "anon_key"}))

	orgs, err := s.ListOrganizationsByEmail(context.Background(), "nobody@x.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if orgs == nil || len(orgs) != 0 {
		t.Errorf("expected an empty non-nil slice, got %#v", orgs)
	}
}

func TestGetOrganizationSecret(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(sqlmock.Sqlmock)
		wantErr error
	}{
		{
			name: "found",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery("SELECT service_key FROM organizations").
					WithArgs("org-1").
					WillReturnRows(sqlmock.NewRows([]string{"service_key"}).AddRow("service"))
			},
		},
		{
			name: "missing",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery("SELECT service_key FROM organizations").
					WithArgs("org-1").
					WillReturnRows(sqlmock.NewRows([]string{"service_key"}))
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStorage(t)
			tt.setup(mock)

			secret, err := s.GetOrganizationSecret(context.Background(), "org-1")

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if secret.ServiceKey != "service" {
				t.Errorf("unexpected secret %s", secret.ServiceKey)
			}
		})
	}
}

func TestAddMembershipMapsConstraintErrors(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantErr error
	}{
		{name: "duplicate", code: pgerrcode.UniqueViolation, wantErr: ErrDuplicateKey},
		{name: "unknown organization", code: pgerrcode.ForeignKeyViolation, wantErr: ErrForeignKeyViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStorage(t)

			mock.ExpectExec("INSERT INTO memberships").
				WithArgs(sqlmock.AnyArg(), "a@x.com", "org-1").
				WillReturnError(&pgconn.PgError{Code: tt.code})

			if _, err := s.AddMembership(context.Background(), "A@x.com", "org-1"); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGetInvitation(t *testing.T) {
	s, mock := newTestStorage(t)

	mock.ExpectQuery("SELECT (.+) FROM invitations WHERE").
		WithArgs("a@x.com", "tok").
		WillReturnRows(invitationRow("tok", nil))

	inv, err := s.GetInvitation(context.Background(), "tok", "A@x.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if inv.Token != "tok" || inv.UsedAt != nil || inv.InvitedBy != nil {
		t.Errorf("unexpected invitation %+v", inv)
	}

	mock.ExpectQuery("SELECT (.+) FROM invitations WHERE").
		WithArgs("a@x.com", "other").
		WillReturnRows(sqlmock.NewRows(invitationColumns))

	if _, err := s.GetInvitation(context.Background(), "other", "a@x.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkInvitationUsedIsConditional(t *testing.T) {
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	s, mock := newTestStorage(t)

	mock.ExpectExec(`UPDATE invitations SET used_at = \$1 WHERE token = \$2 AND used_at IS NULL`).
		WithArgs(at, "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE invitations SET used_at = \$1 WHERE token = \$2 AND used_at IS NULL`).
		WithArgs(at, "tok").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.MarkInvitationUsed(context.Background(), "tok", at); err != nil {
		t.Fatalf("first redemption failed: %v", err)
	}

	if err := s.MarkInvitationUsed(context.Background(), "tok", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second redemption, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeleteInvitationOnlyUnused(t *testing.T) {
	s, mock := newTestStorage(t)

	mock.ExpectExec(`DELETE FROM invitations WHERE token = \$1 AND used_at IS NULL`).
		WithArgs("tok").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.DeleteInvitation(context.Background(), "tok"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateAndListInvitations(t *testing.T) {
	s, mock := newTestStorage(t)

	operator := "operator-1"
	in := &types.Invitation{
		Token:            "tok",
		Email:            "A@x.com",
		OrganizationID:   "org-1",
		OrganizationSlug: "acme",
		Endpoint:         "https://acme.example.com",
		AnonymousKey:     "anon",
		InvitedBy:        &operator,
		IssuedAt:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt:        time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC),
	}

	mock.ExpectQuery("INSERT INTO invitations (.+) RETURNING").
		WithArgs("tok", "a@x.com", "org-1", "acme", "https://acme.example.com", "anon", sqlmock.AnyArg(), in.IssuedAt, in.ExpiresAt).
		WillReturnRows(invitationRow("tok", nil))

	if _, err := s.CreateInvitation(context.Background(), in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM invitations WHERE (.+) AND expires_at > ").
		WithArgs("org-1", now).
		WillReturnRows(invitationRow("tok", nil))

	pending, err := s.ListPendingInvitations(context.Background(), "org-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pending) != 1 {
		t.Errorf("expected one pending invitation, got %d", len(pending))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
