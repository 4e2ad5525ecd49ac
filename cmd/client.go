// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/canonical/tenant-directory/internal/kvstore"
	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/pkg/directory"
	"github.com/canonical/tenant-directory/pkg/invitation"
	"github.com/canonical/tenant-directory/pkg/ratelimit"
	"github.com/canonical/tenant-directory/pkg/session"
	"github.com/canonical/tenant-directory/pkg/tenant"
)

const (
	stateFile = "state.db"

	// the reset cooldown lives in the local state file and survives restarts
	passwordResetCooldown = 60 * time.Second
)

// clientEnv is everything a client command needs, built from the persistent flags.
type clientEnv struct {
	store       *kvstore.BoltStore
	resolver    *directory.Client
	invitations *invitation.Client
	manager     *session.Manager

	logger logging.LoggerInterface
}

func (e *clientEnv) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Errorf("failed to close state file: %v", err)
	}

	_ = e.logger.Sync()
}

// newClientEnv opens the state file and rebinds the persisted organization, if any.
func newClientEnv(ctx context.Context, operatorToken string) (*clientEnv, error) {
	logger := logging.NewLogger(logLevel)
	tracer := tracing.NewNoopTracer()
	monitor := monitoring.NewNoopMonitor("tenant-directory", logger)

	store, err := kvstore.OpenBoltStore(filepath.Join(stateDir, stateFile))
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Transport: tracing.NewTransport(nil)}

	gate := ratelimit.NewGate(store, passwordResetCooldown, tracer, monitor, logger)
	registry := tenant.NewRegistry(tenant.SupabaseFactory(httpClient, tracer, monitor, logger), tracer, monitor, logger)

	e := &clientEnv{
		store:       store,
		resolver:    directory.NewClient(directoryURL, httpClient, tracer, monitor, logger),
		invitations: invitation.NewClient(directoryURL, operatorToken, httpClient, tracer, monitor, logger),
		manager:     session.NewManager(registry, store, gate, tracer, monitor, logger, session.WithCallTimeout(callTimeout)),
		logger:      logger,
	}

	if err := e.manager.Restore(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to restore local session: %w", err)
	}

	return e, nil
}

func (e *clientEnv) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, callTimeout)
}
