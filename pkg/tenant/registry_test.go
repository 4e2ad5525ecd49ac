// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package tenant

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
)

//go:generate mockgen -build_flags=--mod=mod -package tenant -destination ./mock_tenant.go -source=./interfaces.go

func mustOrg(t *testing.T, slug string) types.Organization {
	t.Helper()

	org, err := types.NewOrganization("id-"+slug, slug, slug, "https://"+slug+".example.com", "anon-"+slug)
	if err != nil {
		t.Fatalf("invalid organization: %v", err)
	}

	return org
}

func newTestRegistry(ctrl *gomock.Controller, built *atomic.Int32) *Registry {
	logger := logging.NewNoopLogger()

	factory := func(types.Organization, string) ClientInterface {
		built.Add(1)
		return NewMockClientInterface(ctrl)
	}

	return NewRegistry(factory, tracing.NewNoopTracer(), monitoring.NewNoopMonitor("test", logger), logger)
}

func TestRegistryReusesConnectionForSameToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	var built atomic.Int32
	r := newTestRegistry(ctrl, &built)
	acme := mustOrg(t, "acme")

	first := r.Get(context.Background(), acme, "token-a")
	second := r.Get(context.Background(), acme, "token-a")

	if first != second {
		t.Error("expected the cached connection to be reused")
	}

	if built.Load() != 1 {
		t.Errorf("expected one construction, got %d", built.Load())
	}
}

func TestRegistryRebuildsOnTokenChange(t *testing.T) {
	ctrl := gomock.NewController(t)
	var built atomic.Int32
	r := newTestRegistry(ctrl, &built)
	acme := mustOrg(t, "acme")

	first := r.Get(context.Background(), acme, "token-a")
	second := r.Get(context.Background(), acme, "token-b")

	if first == second || first.Client == second.Client {
		t.Fatal("expected a new connection for a different token")
	}

	if first.AccessToken != "token-a" {
		t.Error("existing connections must not be mutated")
	}

	cached, ok := r.Lookup("acme")
	if !ok || cached != second {
		t.Error("expected the old connection to be evicted")
	}

	if r.Len() != 1 {
		t.Errorf("expected a single cached connection, got %d", r.Len())
	}
}

func TestRegistryKeysBySlug(t *testing.T) {
	ctrl := gomock.NewController(t)
	var built atomic.Int32
	r := newTestRegistry(ctrl, &built)

	acme := r.Get(context.Background(), mustOrg(t, "acme"), "")
	beta := r.Get(context.Background(), mustOrg(t, "beta"), "")

	if acme == beta || r.Len() != 2 {
		t.Fatal("expected one connection per slug")
	}

	if beta.Organization.Endpoint != "https://beta.example.com" || beta.Organization.AnonymousKey != "anon-beta" {
		t.Errorf("connection bound to wrong tenant: %+v", beta.Organization)
	}
}

func TestRegistryClearIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	var built atomic.Int32
	r := newTestRegistry(ctrl, &built)

	r.Get(context.Background(), mustOrg(t, "acme"), "token")
	r.Clear("acme")
	r.Clear("acme")
	r.Clear("never-seen")

	if _, ok := r.Lookup("acme"); ok {
		t.Error("expected connection to be evicted")
	}

	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistryConcurrentGet(t *testing.T) {
	ctrl := gomock.NewController(t)
	var built atomic.Int32
	r := newTestRegistry(ctrl, &built)
	acme := mustOrg(t, "acme")

	var wg sync.WaitGroup
	conns := make([]*Connection, 50)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i] = r.Get(context.Background(), acme, "token")
		}(i)
	}
	wg.Wait()

	for _, c := range conns {
		if c != conns[0] {
			t.Fatal("concurrent callers with the same token must share one connection")
		}
	}

	if built.Load() != 1 {
		t.Errorf("expected a single construction, got %d", built.Load())
	}
}
