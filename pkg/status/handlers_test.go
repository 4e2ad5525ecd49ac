// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"

	"github.com/canonical/tenant-directory/internal/kvstore"
	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/version"
)

func newTestMux(t *testing.T, dependencies map[string]PingerInterface) *chi.Mux {
	t.Helper()

	logger := logging.NewNoopLogger()

	mux := chi.NewMux()
	NewAPI(dependencies, tracing.NewNoopTracer(), monitoring.NewNoopMonitor("test", logger), logger).RegisterEndpoints(mux)

	return mux
}

func TestStatus(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := kvstore.NewRedisStore(context.Background(), "redis://"+mr.Addr(), "test:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mux := newTestMux(t, map[string]PingerInterface{"redis": store})

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, StatusPath, nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	s := new(Status)
	if err := json.NewDecoder(w.Body).Decode(s); err != nil {
		t.Fatal(err)
	}

	if s.Status != "ok" || s.Dependencies["redis"] != "ok" {
		t.Errorf("unexpected status %+v", s)
	}

	mr.Close()

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, StatusPath, nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once redis is gone, got %d", w.Code)
	}

	s = new(Status)
	if err := json.NewDecoder(w.Body).Decode(s); err != nil {
		t.Fatal(err)
	}

	if s.Status != "degraded" || s.Dependencies["redis"] == "ok" {
		t.Errorf("unexpected status %+v", s)
	}
}

func TestVersion(t *testing.T) {
	mux := newTestMux(t, nil)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, VersionPath, nil))

	b := new(BuildInfo)
	if err := json.NewDecoder(w.Body).Decode(b); err != nil {
		t.Fatal(err)
	}

	if b.Version != version.Version {
		t.Errorf("expected %s, got %s", version.Version, b.Version)
	}
}
