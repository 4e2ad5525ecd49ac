// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package invitation

import (
	"net/http"
	"time"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/supabase"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
)

const (
	DefaultLifetime    = 7 * 24 * time.Hour
	DefaultCallTimeout = 10 * time.Second
	DefaultAccessTier  = "basic"
)

type Config struct {
	Lifetime          time.Duration
	LinkBaseURL       string
	Sender            string
	CallTimeout       time.Duration
	DefaultAccessTier string
}

func (c Config) withDefaults() Config {
	if c.Lifetime <= 0 {
		c.Lifetime = DefaultLifetime
	}

	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}

	if c.DefaultAccessTier == "" {
		c.DefaultAccessTier = DefaultAccessTier
	}

	return c
}

type Option func(*options)

type options struct {
	now func() time.Time
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func newOptions(opts []Option) *options {
	o := &options{now: time.Now}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// AdminFactory builds a tenant store client holding the service credential.
type AdminFactory func(org types.Organization, secret *types.OrganizationSecret) AdminClientInterface

// SessionFactory builds a tenant store client holding the anonymous key and an optional access token.
type SessionFactory func(org types.Organization, accessToken string) SessionClientInterface

func SupabaseAdminFactory(httpClient *http.Client, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) AdminFactory {
	return func(org types.Organization, secret *types.OrganizationSecret) AdminClientInterface {
		return supabase.NewAdminClient(org, secret, httpClient, tracer, monitor, logger)
	}
}

func SupabaseSessionFactory(httpClient *http.Client, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) SessionFactory {
	return func(org types.Organization, accessToken string) SessionClientInterface {
		return supabase.NewClient(org.Endpoint, org.AnonymousKey, accessToken, httpClient, tracer, monitor, logger)
	}
}
