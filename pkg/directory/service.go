// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
)

var _ ServiceInterface = (*Service)(nil)

type Service struct {
	storage StorageInterface

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

// Lookup lists the public fields of every organization email belongs to.
// No match is an empty list, the caller decides what that means.
func (s *Service) Lookup(ctx context.Context, email string) ([]types.Organization, error) {
	ctx, span := s.tracer.Start(ctx, "directory.Service.Lookup")
	defer span.End()

	orgs, err := s.storage.ListOrganizationsByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}

	if orgs == nil {
		orgs = make([]types.Organization, 0)
	}

	return orgs, nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func NewService(storage StorageInterface, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) *Service {
	s := new(Service)

	s.storage = storage

	s.tracer = tracer
	s.monitor = monitor
	s.logger = logger

	return s
}
