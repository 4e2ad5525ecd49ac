// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package status

import (
	"context"
	"net/http"
	"runtime/debug"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	httptypes "github.com/canonical/tenant-directory/internal/http/types"
	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/version"
)

const (
	StatusPath  = "/api/v0/status"
	VersionPath = "/api/v0/version"

	pingTimeout = 2 * time.Second
)

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
)

type BuildInfo struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash,omitempty"`
	Name       string `json:"name,omitempty"`
}

type Status struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	BuildInfo    *BuildInfo        `json:"buildInfo"`
}

type API struct {
	dependencies map[string]PingerInterface

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

func (a *API) RegisterEndpoints(mux *chi.Mux) {
	mux.Get(StatusPath, a.alive)
	mux.Get(VersionPath, a.version)
}

// alive answers 503 as soon as one dependency is unreachable.
func (a *API) alive(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "status.API.alive")
	defer span.End()

	s := Status{Status: statusOK, BuildInfo: buildInfo()}
	code := http.StatusOK

	if len(a.dependencies) > 0 {
		s.Dependencies = make(map[string]string, len(a.dependencies))
	}

	for _, name := range a.names() {
		if err := a.ping(ctx, name); err != nil {
			a.logger.Warnf("dependency %s is unavailable: %v", name, err)
			s.Dependencies[name] = err.Error()
			s.Status = statusDegraded
			code = http.StatusServiceUnavailable
			continue
		}

		s.Dependencies[name] = statusOK
	}

	if err := httptypes.WriteJSON(w, code, s); err != nil {
		a.logger.Errorf("failed to encode status: %v", err)
	}
}

func (a *API) version(w http.ResponseWriter, r *http.Request) {
	if err := httptypes.WriteJSON(w, http.StatusOK, buildInfo()); err != nil {
		a.logger.Errorf("failed to encode version: %v", err)
	}
}

func (a *API) ping(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	err := a.dependencies[name].Ping(ctx)

	available := 1.0
	if err != nil {
		available = 0
	}

	if merr := a.monitor.SetDependencyAvailability(map[string]string{"component": name}, available); merr != nil {
		a.logger.Debugf("error setting dependency availability metric: %s", merr)
	}

	return err
}

func (a *API) names() []string {
	names := make([]string, 0, len(a.dependencies))
	for name := range a.dependencies {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func buildInfo() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{Version: version.Version}
	}

	b := &BuildInfo{Version: version.Version, Name: info.Main.Path}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			b.CommitHash = setting.Value
		}
	}

	return b
}

// NewAPI returns the status API, dependencies are pinged on every status request.
func NewAPI(dependencies map[string]PingerInterface, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) *API {
	a := new(API)

	a.dependencies = dependencies

	a.tracer = tracer
	a.monitor = monitor
	a.logger = logger

	return a
}
