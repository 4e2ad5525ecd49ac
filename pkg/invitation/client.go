// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package invitation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	httptypes "github.com/canonical/tenant-directory/internal/http/types"
	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
)

// RequestError is a non 2xx answer of the invitation API that has no domain meaning.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("invitation API responded %d: %s", e.StatusCode, e.Message)
}

// Client calls the invitation API of the trusted backend. The operator token is
// only needed for the management calls.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

// Complete redeems an invitation, the returned response always has Success set.
func (c *Client) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	ctx, span := c.tracer.Start(ctx, "invitation.Client.Complete")
	defer span.End()

	resp := new(CompletionResponse)

	status, header, err := c.do(ctx, http.MethodPost, CompletePath, req, resp)
	if err != nil {
		return nil, err
	}

	if status == http.StatusOK && resp.Success {
		return resp, nil
	}

	switch status {
	case http.StatusBadRequest:
		if resp.Error == msgInvalidInvitation {
			return nil, types.ErrInvalidOrExpiredInvitation
		}
		return nil, &RequestError{StatusCode: status, Message: resp.Error}
	case http.StatusTooManyRequests:
		return nil, &types.ThrottledError{RetryAfter: retryAfter(header)}
	case http.StatusGatewayTimeout:
		return nil, fmt.Errorf("%w: %s", types.ErrTimeout, resp.Error)
	case http.StatusBadGateway:
		return nil, fmt.Errorf("%w: %s", types.ErrSessionEstablishFailed, resp.Error)
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrTenantProvisionFailed, resp.Error)
	}
}

func (c *Client) Issue(ctx context.Context, email, orgSlug string) (*IssueResponse, error) {
	ctx, span := c.tracer.Start(ctx, "invitation.Client.Issue")
	defer span.End()

	resp := new(IssueResponse)
	if err := c.operatorCall(ctx, http.MethodPost, InvitationsPath, &IssueRequest{Email: email, OrganizationSlug: orgSlug}, resp); err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *Client) Resend(ctx context.Context, token string) (*IssueResponse, error) {
	ctx, span := c.tracer.Start(ctx, "invitation.Client.Resend")
	defer span.End()

	resp := new(IssueResponse)
	if err := c.operatorCall(ctx, http.MethodPost, InvitationsPath+"/"+url.PathEscape(token)+dispatchPathSuffix, nil, resp); err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *Client) Cancel(ctx context.Context, token string) error {
	ctx, span := c.tracer.Start(ctx, "invitation.Client.Cancel")
	defer span.End()

	return c.operatorCall(ctx, http.MethodDelete, InvitationsPath+"/"+url.PathEscape(token), nil, nil)
}

func (c *Client) ListPending(ctx context.Context, orgSlug string) ([]*types.Invitation, error) {
	ctx, span := c.tracer.Start(ctx, "invitation.Client.ListPending")
	defer span.End()

	resp := new(ListResponse)
	if err := c.operatorCall(ctx, http.MethodGet, OrganizationsPath+"/"+url.PathEscape(orgSlug)+"/invitations", nil, resp); err != nil {
		return nil, err
	}

	return resp.Invitations, nil
}

func (c *Client) operatorCall(ctx context.Context, method, path string, body, out any) error {
	errResp := new(httptypes.ErrorResponse)

	status, header, raw, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}

	if status < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	if err := json.Unmarshal(raw, errResp); err != nil || errResp.Message == "" {
		errResp.Message = http.StatusText(status)
	}

	switch status {
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, errResp.Message)
	case http.StatusTooManyRequests:
		return &types.CooldownError{Remaining: retryAfter(header)}
	case http.StatusBadGateway:
		return fmt.Errorf("%w: %s", ErrDispatchFailed, errResp.Message)
	default:
		return &RequestError{StatusCode: status, Message: errResp.Message}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, http.Header, error) {
	status, header, raw, err := c.send(ctx, method, path, body)
	if err != nil {
		return 0, nil, err
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return 0, nil, fmt.Errorf("failed to decode response (status %d): %w", status, err)
		}
	}

	return status, header, nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (int, http.Header, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, nil, fmt.Errorf("%w: %s %s: %w", types.ErrTimeout, method, path, err)
		}
		return 0, nil, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, resp.Header, raw, nil
}

func retryAfter(header http.Header) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(header.Get("Retry-After")))
	if err != nil || seconds < 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

// NewClient builds an invitation API client, token may be empty for Complete.
func NewClient(baseURL, token string, httpClient *http.Client, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) *Client {
	c := new(Client)

	c.baseURL = strings.TrimRight(baseURL, "/")
	c.token = token
	c.httpClient = httpClient
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: tracing.NewTransport(nil)}
	}

	c.tracer = tracer
	c.monitor = monitor
	c.logger = logger

	return c
}
