// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package openfga

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
)

const storeID = "01HVMMBCMGZNT3SED4Z17ECXCA"

func newTestClient(t *testing.T, srv *httptest.Server, token string) *Client {
	t.Helper()

	logger := logging.NewNoopLogger()
	host := strings.TrimPrefix(srv.URL, "http://")

	c, err := NewClient(NewConfig("http", host, storeID, token, "", false, tracing.NewNoopTracer(), monitoring.NewNoopMonitor("test", logger), logger))
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	return c
}

func TestClientCheck(t *testing.T) {
	var payload map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stores/"+storeID+"/check" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", got)
		}

		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"allowed":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "secret")

	allowed, err := c.Check(context.Background(), "user:ana", "can_invite", "organization:1", *NewTuple("user:ana", "admin", "organization:1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !allowed {
		t.Error("expected check to be allowed")
	}

	key, _ := payload["tuple_key"].(map[string]any)
	if key["user"] != "user:ana" || key["relation"] != "can_invite" || key["object"] != "organization:1" {
		t.Errorf("unexpected tuple key %v", key)
	}

	if _, ok := payload["contextual_tuples"]; !ok {
		t.Error("expected contextual tuples to be sent")
	}
}

func TestClientCheckFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"validation_error","message":"invalid relation"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "")

	if _, err := c.Check(context.Background(), "user:ana", "nope", "organization:1"); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestNoopClientAllows(t *testing.T) {
	logger := logging.NewNoopLogger()
	c := NewNoopClient(tracing.NewNoopTracer(), monitoring.NewNoopMonitor("test", logger), logger)

	allowed, err := c.Check(context.Background(), "user:ana", "can_invite", "organization:1")
	if err != nil || !allowed {
		t.Errorf("expected noop client to allow, got %v %v", allowed, err)
	}
}
