// Copyright 2025 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package authentication

import (
	"context"
	"fmt"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
)

// Config describes how operator bearer tokens are verified
type Config struct {
	Issuer          string
	JwksURL         string
	AllowedSubjects []string
	RequiredScope   string
}

// NewJWTAuthenticator initializes a JWT token verifier for the operator API.
func NewJWTAuthenticator(
	ctx context.Context,
	cfg Config,
	tracer tracing.TracingInterface,
	monitor monitoring.MonitorInterface,
	logger logging.LoggerInterface,
) (TokenVerifierInterface, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required for JWT authentication")
	}

	if cfg.JwksURL != "" {
		logger.Infof("Using manual JWKS URL: %s", cfg.JwksURL)

		return NewJWTVerifierDirect(
			NewVerifierWithJWKS(ctx, cfg.Issuer, cfg.JwksURL),
			cfg.AllowedSubjects,
			cfg.RequiredScope,
			tracer, monitor, logger,
		), nil
	}

	logger.Infof("Using OIDC discovery for issuer: %s", cfg.Issuer)

	provider, err := NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, err
	}

	return NewJWTVerifier(provider, cfg.AllowedSubjects, cfg.RequiredScope, tracer, monitor, logger), nil
}
