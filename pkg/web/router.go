// Copyright 2025 Canonical Ltd
// SPDX-License-Identifier: AGPL-3.0

package web

import (
	"net/http"

	chi "github.com/go-chi/chi/v5"
	middleware "github.com/go-chi/chi/v5/middleware"

	"github.com/canonical/tenant-directory/internal/db"
	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/pkg/authentication"
	"github.com/canonical/tenant-directory/pkg/directory"
	"github.com/canonical/tenant-directory/pkg/invitation"
	"github.com/canonical/tenant-directory/pkg/metrics"
	"github.com/canonical/tenant-directory/pkg/status"
)

// Config holds the HTTP surface settings that are not owned by a single API
type Config struct {
	AllowedOrigins []string
	LookupRate     float64
	LookupBurst    int
}

func NewRouter(
	config Config,
	directoryService directory.ServiceInterface,
	invitationService invitation.ServiceInterface,
	orchestrator invitation.OrchestratorInterface,
	verifier authentication.TokenVerifierInterface,
	dbClient db.DBClientInterface,
	dependencies map[string]status.PingerInterface,
	tracer tracing.TracingInterface,
	monitor monitoring.MonitorInterface,
	logger logging.LoggerInterface,
) http.Handler {
	router := chi.NewMux()

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	middlewares := make(chi.Middlewares, 0)
	middlewares = append(
		middlewares,
		middleware.RequestID,
		monitoring.NewMiddleware(monitor, logger).ResponseTime(),
		middlewareCORS(origins),
	)

	router.Use(middlewares...)

	// lookups are throttled by peer address, forwarding headers are client controlled and never trusted
	directory.NewAPI(directoryService, config.LookupRate, config.LookupBurst, tracer, monitor, logger).RegisterEndpoints(router)

	invitationAPI := invitation.NewAPI(invitationService, orchestrator, tracer, monitor, logger)
	invitationAPI.RegisterEndpoints(router)

	// operator endpoints run in a single transaction, rolled back on any non 2xx answer
	router.Group(func(r chi.Router) {
		r.Use(
			authentication.NewMiddleware(verifier, tracer, monitor, logger).Authenticate(),
			db.TransactionMiddleware(dbClient, logger),
		)
		invitationAPI.RegisterOperatorEndpoints(r)
	})

	metrics.NewAPI(logger).RegisterEndpoints(router)
	status.NewAPI(dependencies, tracer, monitor, logger).RegisterEndpoints(router)

	return tracing.NewMiddleware(monitor, logger).OpenTelemetry(router)
}
