// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package directory

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	httptypes "github.com/canonical/tenant-directory/internal/http/types"
	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
)

const LookupPath = "/api/v0/directory/lookup"

type LookupRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type LookupResponse struct {
	Organizations []types.Organization `json:"organizations"`
}

type ThrottledResponse struct {
	RetryAfterSeconds int `json:"retryAfterSeconds"`
}

type API struct {
	service   ServiceInterface
	limiter   *ipLimiter
	validator *validator.Validate

	// throttled clients are logged at most this often
	throttleLog *rate.Sometimes

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

func (a *API) RegisterEndpoints(mux *chi.Mux) {
	mux.Post(LookupPath, a.handleLookup)
}

func (a *API) handleLookup(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "directory.API.handleLookup")
	defer span.End()

	ip := clientIP(r)

	if wait := a.limiter.reserve(ip); wait > 0 {
		a.throttleLog.Do(func() {
			a.logger.Warnf("directory lookups from %s throttled for %s", ip, wait)
		})

		seconds := types.Seconds(wait)
		httptypes.WriteRetryAfter(w, seconds)
		a.write(w, http.StatusTooManyRequests, ThrottledResponse{RetryAfterSeconds: seconds})
		return
	}

	req := new(LookupRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := a.validator.Struct(req); err != nil {
		a.writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}

	orgs, err := a.service.Lookup(ctx, req.Email)
	if err != nil {
		a.logger.Errorf("directory lookup failed: %v", err)
		a.writeError(w, http.StatusInternalServerError, "organization lookup failed")
		return
	}

	a.write(w, http.StatusOK, LookupResponse{Organizations: orgs})
}

func (a *API) write(w http.ResponseWriter, status int, v any) {
	if err := httptypes.WriteJSON(w, status, v); err != nil {
		a.logger.Errorf("failed to encode response: %v", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	if err := httptypes.WriteError(w, status, message); err != nil {
		a.logger.Errorf("failed to encode error response: %v", err)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// NewAPI throttles lookups per client address to perSecond with the given burst.
func NewAPI(service ServiceInterface, perSecond float64, burst int, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) *API {
	a := new(API)

	a.service = service
	a.limiter = newIPLimiter(perSecond, burst)
	a.validator = validator.New(validator.WithRequiredStructEnabled())
	a.throttleLog = &rate.Sometimes{First: 10, Interval: time.Minute}

	a.tracer = tracer
	a.monitor = monitor
	a.logger = logger

	return a
}
