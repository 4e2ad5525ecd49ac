// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package directory

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
)

//go:generate mockgen -build_flags=--mod=mod -package directory -destination ./mock_directory.go -source=./interfaces.go

func mustOrg(t *testing.T, slug string) types.Organization {
	t.Helper()

	org, err := types.NewOrganization("id-"+slug, slug, slug, "https://"+slug+".example.com", "anon-"+slug)
	if err != nil {
		t.Fatalf("invalid organization: %v", err)
	}

	return org
}

func TestServiceLookup(t *testing.T) {
	tests := []struct {
		name       string
		email      string
		stored     []types.Organization
		storeErr   error
		expectLen  int
		expectsErr bool
	}{
		{
			name:      "normalizes the email",
			email:     "  Ana@Example.COM ",
			stored:    []types.Organization{{Slug: "acme"}},
			expectLen: 1,
		},
		{
			name:      "no membership is an empty list",
			email:     "nobody@example.com",
			stored:    nil,
			expectLen: 0,
		},
		{
			name:       "storage failure",
			email:      "ana@example.com",
			storeErr:   errors.New("connection refused"),
			expectsErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			logger := logging.NewNoopLogger()
			mockStorage := NewMockStorageInterface(ctrl)

			mockStorage.EXPECT().
				ListOrganizationsByEmail(gomock.Any(), NormalizeEmail(test.email)).
				Return(test.stored, test.storeErr)

			s := NewService(mockStorage, tracing.NewNoopTracer(), monitoring.NewNoopMonitor("test", logger), logger)

			orgs, err := s.Lookup(context.Background(), test.email)

			if test.expectsErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if orgs == nil {
				t.Fatal("expected a non nil list")
			}

			if len(orgs) != test.expectLen {
				t.Errorf("expected %d organizations, got %d", test.expectLen, len(orgs))
			}
		})
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Ana@Example.COM\t"); got != "ana@example.com" {
		t.Errorf("unexpected normalized email %q", got)
	}
}
