// Copyright 2025 Canonical Ltd
// SPDX-License-Identifier: AGPL-3.0

package authorization

import (
	"context"

	"github.com/canonical/tenant-directory/internal/openfga"
)

type AuthorizerInterface interface {
	Check(context.Context, string, string, string, ...openfga.Tuple) (bool, error)
	CanInvite(context.Context, string, string) (bool, error)
}

type AuthzClientInterface interface {
	Check(context.Context, string, string, string, ...openfga.Tuple) (bool, error)
}
