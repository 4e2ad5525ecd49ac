// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package tenant

import (
	"context"
	"net/http"
	"sync"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/supabase"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
)

// Connection is a tenant client bound to one organization and one access token.
// It is never mutated, a token change produces a new Connection.
type Connection struct {
	Organization types.Organization
	AccessToken  string
	Client       ClientInterface
}

// ClientFactory builds the tenant client behind a Connection.
type ClientFactory func(org types.Organization, accessToken string) ClientInterface

// SupabaseFactory builds connections talking to the tenant store with its anonymous key.
func SupabaseFactory(httpClient *http.Client, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) ClientFactory {
	return func(org types.Organization, accessToken string) ClientInterface {
		return supabase.NewClient(org.Endpoint, org.AnonymousKey, accessToken, httpClient, tracer, monitor, logger)
	}
}

var _ RegistryInterface = (*Registry)(nil)

// Registry caches at most one live connection per organization slug.
type Registry struct {
	mu          sync.Mutex
	connections map[string]*Connection
	factory     ClientFactory

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

// Get returns the cached connection for org when it is bound to accessToken, otherwise
// the cached one is discarded and a fresh connection takes its place.
func (r *Registry) Get(ctx context.Context, org types.Organization, accessToken string) *Connection {
	_, span := r.tracer.Start(ctx, "tenant.Registry.Get")
	defer span.End()

	// construction is local, holding the lock keeps a stale build from replacing a newer one
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.connections[org.Slug]; ok {
		if c.AccessToken == accessToken && c.Organization == org {
			return c
		}

		r.logger.Debugf("replacing connection for %s", org.Slug)
	}

	c := &Connection{
		Organization: org,
		AccessToken:  accessToken,
		Client:       r.factory(org, accessToken),
	}

	r.connections[org.Slug] = c

	return c
}

func (r *Registry) Lookup(slug string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.connections[slug]

	return c, ok
}

// Clear is idempotent.
func (r *Registry) Clear(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.connections, slug)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.connections)
}

func NewRegistry(factory ClientFactory, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) *Registry {
	r := new(Registry)

	r.connections = make(map[string]*Connection)
	r.factory = factory

	r.tracer = tracer
	r.monitor = monitor
	r.logger = logger

	return r
}
