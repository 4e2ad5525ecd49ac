// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canonical/tenant-directory/internal/logging"
)

const MetricsPath = "/api/v0/metrics"

type API struct {
	handler http.Handler

	logger logging.LoggerInterface
}

func (a *API) RegisterEndpoints(mux *chi.Mux) {
	mux.Get(MetricsPath, a.prometheusHTTP)
}

func (a *API) prometheusHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}

// NewAPI returns an API object responsible for the metrics endpoint
func NewAPI(logger logging.LoggerInterface) *API {
	a := new(API)

	a.handler = promhttp.Handler()
	a.logger = logger

	return a
}
