// Copyright 2025 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package authentication

import (
	"net/http"
	"strings"

	httptypes "github.com/canonical/tenant-directory/internal/http/types"
	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
)

type Middleware struct {
	verifier TokenVerifierInterface

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

// Authenticate rejects requests without a valid operator bearer token and
// stores the token subject in the request context
func (m *Middleware) Authenticate() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := m.tracer.Start(r.Context(), "authentication.Middleware.Authenticate")
			defer span.End()

			token, found := bearerToken(r.Header)
			if !found {
				m.unauthorizedResponse(w, "missing authorization header")
				return
			}

			subject, err := m.verifier.VerifyToken(ctx, token)
			if err != nil {
				m.logger.Debugf("JWT verification failed: %v", err)
				m.logger.Security().AuthnFailure(r.RemoteAddr, "invalid operator token")
				m.unauthorizedResponse(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOperator(ctx, subject)))
		})
	}
}

// only "Bearer <token>" (RFC 6750) is supported
func bearerToken(headers http.Header) (string, bool) {
	bearer := headers.Get("Authorization")

	token, ok := strings.CutPrefix(bearer, "Bearer ")
	if !ok || token == "" {
		return "", false
	}

	return token, true
}

func (m *Middleware) unauthorizedResponse(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="operator"`)

	if err := httptypes.WriteError(w, http.StatusUnauthorized, message); err != nil {
		m.logger.Errorf("failed to encode unauthorized response: %v", err)
	}
}

func NewMiddleware(verifier TokenVerifierInterface, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) *Middleware {
	return &Middleware{
		verifier: verifier,
		tracer:   tracer,
		monitor:  monitor,
		logger:   logger,
	}
}
