// Copyright 2025 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package openfga

import (
	"context"
	"fmt"

	"github.com/openfga/go-sdk/client"
	"github.com/openfga/go-sdk/credentials"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
)

type Client struct {
	c *client.OpenFgaClient

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

func (c *Client) Check(ctx context.Context, user, relation, object string, tuples ...Tuple) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "openfga.Client.Check")
	defer span.End()

	body := client.ClientCheckRequest{
		User:     user,
		Relation: relation,
		Object:   object,
	}

	for _, t := range tuples {
		body.ContextualTuples = append(body.ContextualTuples, t.key())
	}

	r, err := c.c.Check(ctx).Body(body).Execute()
	if err != nil {
		c.logger.Errorf("issues performing check operation: %v", err)
		return false, fmt.Errorf("openfga check failed: %w", err)
	}

	return r.GetAllowed(), nil
}

func NewClient(cfg *Config) (*Client, error) {
	c := new(Client)

	c.tracer = cfg.Tracer
	c.monitor = cfg.Monitor
	c.logger = cfg.Logger

	creds := &credentials.Credentials{Method: credentials.CredentialsMethodNone}
	if cfg.ApiToken != "" {
		creds = &credentials.Credentials{
			Method: credentials.CredentialsMethodApiToken,
			Config: &credentials.Config{ApiToken: cfg.ApiToken},
		}
	}

	fga, err := client.NewSdkClient(
		&client.ClientConfiguration{
			ApiUrl:               cfg.apiURL(),
			StoreId:              cfg.StoreID,
			AuthorizationModelId: cfg.AuthModelID,
			Credentials:          creds,
			Debug:                cfg.Debug,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("issues setting up openfga client: %w", err)
	}

	c.c = fga

	return c, nil
}
