// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
)

// Resolution is a non empty set of organizations an email belongs to.
type Resolution struct {
	organizations []types.Organization
}

// One returns the organization when the email belongs to exactly one.
func (r *Resolution) One() (types.Organization, bool) {
	if len(r.organizations) != 1 {
		return types.Organization{}, false
	}

	return r.organizations[0], true
}

// Many reports whether the caller has to pick an organization before connecting.
func (r *Resolution) Many() bool {
	return len(r.organizations) > 1
}

func (r *Resolution) Organizations() []types.Organization {
	return append([]types.Organization(nil), r.organizations...)
}

// Pick selects an organization of the resolution by slug.
func (r *Resolution) Pick(slug string) (types.Organization, error) {
	for _, o := range r.organizations {
		if o.Slug == slug {
			return o, nil
		}
	}

	return types.Organization{}, fmt.Errorf("%w: %s is not one of the resolved organizations", types.ErrNoOrganization, slug)
}

var _ ResolverInterface = (*Client)(nil)

// Client resolves emails against the directory endpoint of the trusted backend.
type Client struct {
	baseURL    string
	httpClient *http.Client

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

// Resolve issues exactly one lookup for email.
func (c *Client) Resolve(ctx context.Context, email string) (*Resolution, error) {
	ctx, span := c.tracer.Start(ctx, "directory.Client.Resolve")
	defer span.End()

	body, err := json.Marshal(LookupRequest{Email: email})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrLookupFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+LookupPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrLookupFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: directory lookup: %w", types.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", types.ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: directory lookup: %w", types.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: failed to read response: %w", types.ErrLookupFailed, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &types.ThrottledError{RetryAfter: retryAfter(raw, resp.Header)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: directory responded %d", types.ErrLookupFailed, resp.StatusCode)
	}

	payload := new(LookupResponse)
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %w", types.ErrLookupFailed, err)
	}

	if len(payload.Organizations) == 0 {
		return nil, types.ErrNoOrganization
	}

	orgs := make([]types.Organization, 0, len(payload.Organizations))
	for _, o := range payload.Organizations {
		org, err := types.NewOrganization(o.ID, o.Slug, o.Name, o.Endpoint, o.AnonymousKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrLookupFailed, err)
		}
		orgs = append(orgs, org)
	}

	c.logger.Debugf("resolved %d organization(s)", len(orgs))

	return &Resolution{organizations: orgs}, nil
}

func retryAfter(body []byte, header http.Header) time.Duration {
	payload := new(ThrottledResponse)
	if err := json.Unmarshal(body, payload); err == nil && payload.RetryAfterSeconds > 0 {
		return time.Duration(payload.RetryAfterSeconds) * time.Second
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(header.Get("Retry-After"))); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return 0
}

// NewClient builds a resolver for the backend at baseURL, a nil httpClient gets a traced default.
func NewClient(baseURL string, httpClient *http.Client, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) *Client {
	c := new(Client)

	c.baseURL = strings.TrimRight(baseURL, "/")
	c.httpClient = httpClient
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: tracing.NewTransport(nil)}
	}

	c.tracer = tracer
	c.monitor = monitor
	c.logger = logger

	return c
}
