// Copyright 2025 Canonical Ltd
// SPDX-License-Identifier: AGPL-3.0

package authorization

import (
	"context"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/openfga"
	"github.com/canonical/tenant-directory/internal/tracing"
)

var _ AuthorizerInterface = (*Authorizer)(nil)

type Authorizer struct {
	client AuthzClientInterface

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

func (a *Authorizer) Check(ctx context.Context, user string, relation string, object string, contextualTuples ...openfga.Tuple) (bool, error) {
	ctx, span := a.tracer.Start(ctx, "authorization.Authorizer.Check")
	defer span.End()

	return a.client.Check(ctx, user, relation, object, contextualTuples...)
}

// CanInvite reports whether the operator may issue and manage invitations of the organization.
func (a *Authorizer) CanInvite(ctx context.Context, subject, organizationId string) (bool, error) {
	ctx, span := a.tracer.Start(ctx, "authorization.Authorizer.CanInvite")
	defer span.End()

	allowed, err := a.client.Check(ctx, UserTuple(subject), CAN_INVITE_PERMISSION, OrganizationTuple(organizationId))
	if err != nil {
		return false, err
	}

	if !allowed {
		a.logger.Security().AuthzFailure(subject, OrganizationTuple(organizationId))
	}

	return allowed, nil
}

func NewAuthorizer(client AuthzClientInterface, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) *Authorizer {
	authorizer := new(Authorizer)
	authorizer.client = client
	authorizer.tracer = tracer
	authorizer.monitor = monitor
	authorizer.logger = logger

	return authorizer
}
