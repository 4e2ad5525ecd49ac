// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package kratos

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	ory "github.com/ory/client-go"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
)

type ClientInterface interface {
	GetIdentity(ctx context.Context, id string) (*ory.Identity, error)
	DisplayName(ctx context.Context, id string) (string, error)
}

var _ ClientInterface = (*Client)(nil)

type Client struct {
	client  *ory.APIClient
	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

func NewClient(kratosAdminURL string, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) *Client {
	conf := ory.NewConfiguration()
	conf.Servers = ory.ServerConfigurations{{URL: kratosAdminURL}}
	conf.HTTPClient = &http.Client{Transport: tracing.NewTransport(nil)}
	return &Client{
		client:  ory.NewAPIClient(conf),
		tracer:  tracer,
		monitor: monitor,
		logger:  logger,
	}
}

func (c *Client) GetIdentity(ctx context.Context, id string) (*ory.Identity, error) {
	ctx, span := c.tracer.Start(ctx, "kratos.GetIdentity")
	defer span.End()

	identity, _, err := c.client.IdentityAPI.GetIdentity(ctx, id).Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}

	return identity, nil
}

// DisplayName returns the name traits of the identity, falling back to its email.
func (c *Client) DisplayName(ctx context.Context, id string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "kratos.DisplayName")
	defer span.End()

	identity, err := c.GetIdentity(ctx, id)
	if err != nil {
		return "", err
	}

	traits, ok := identity.Traits.(map[string]interface{})
	if !ok {
		return "", nil
	}

	return displayName(traits), nil
}

// the default schema keeps the name either flat or split in first/last
func displayName(traits map[string]interface{}) string {
	switch name := traits["name"].(type) {
	case string:
		if name != "" {
			return name
		}
	case map[string]interface{}:
		first, _ := name["first"].(string)
		last, _ := name["last"].(string)
		if full := strings.TrimSpace(first + " " + last); full != "" {
			return full
		}
	}

	email, _ := traits["email"].(string)

	return email
}
