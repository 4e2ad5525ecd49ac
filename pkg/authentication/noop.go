// Copyright 2025 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package authentication

import (
	"context"
	"fmt"
)

// NoopVerifier accepts any non-empty bearer value and uses it as the operator subject.
// Only meant for local development with authentication disabled.
type NoopVerifier struct{}

func NewNoopVerifier() *NoopVerifier {
	return &NoopVerifier{}
}

func (n *NoopVerifier) VerifyToken(_ context.Context, rawToken string) (string, error) {
	if rawToken == "" {
		return "", fmt.Errorf("empty token")
	}

	return rawToken, nil
}
