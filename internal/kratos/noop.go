// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package kratos

import (
	"context"
	"errors"

	ory "github.com/ory/client-go"
)

var ErrNotConfigured = errors.New("identity provider not configured")

var _ ClientInterface = (*NoopClient)(nil)

// NoopClient is used when no Kratos admin URL is configured.
type NoopClient struct{}

func (NoopClient) GetIdentity(context.Context, string) (*ory.Identity, error) {
	return nil, ErrNotConfigured
}

func (NoopClient) DisplayName(context.Context, string) (string, error) {
	return "", nil
}

func NewNoopClient() *NoopClient {
	return new(NoopClient)
}
