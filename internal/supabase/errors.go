// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/canonical/tenant-directory/internal/types"
)

var ErrUserNotFound = errors.New("user not found")

// markers the auth server uses when it throttles a caller
var rateLimitMarkers = []string{
	"rate limit",
	"too many requests",
	"over_email_send_rate_limit",
	"over_request_rate_limit",
	"for security purposes",
}

// markers the auth server uses when an identity with the email already exists
var userExistsMarkers = []string{
	"email_exists",
	"user_already_exists",
	"already been registered",
	"registered already",
	"already registered",
}

var (
	// gotrue-go reports non 2xx answers as "response status code <n>: <body>"
	authErrorPattern = regexp.MustCompile(`(?s)^response status code (\d{3})(?:: (.*))?$`)
	// postgrest-go reports them as "(<code>) <message>"
	restErrorPattern = regexp.MustCompile(`(?s)^\(([^)]*)\) (.*)$`)
)

// APIError is a non 2xx answer from the tenant store.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tenant store responded %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("tenant store responded %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether err is the tenant store throttling the caller.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	if apiErr.StatusCode == http.StatusTooManyRequests {
		return true
	}

	text := strings.ToLower(apiErr.Code + " " + apiErr.Message)
	for _, m := range rateLimitMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}

	return false
}

// IsUserExists reports whether err is the auth server refusing to create an identity that already exists.
func IsUserExists(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	if apiErr.StatusCode >= http.StatusInternalServerError {
		return false
	}

	text := strings.ToLower(apiErr.Code + " " + apiErr.Message)
	for _, m := range userExistsMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}

	return false
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

func parseAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		e.Message = strings.TrimSpace(string(body))
		if e.Message == "" {
			e.Message = http.StatusText(status)
		}
		return e
	}

	e.Code = firstString(payload, "error_code", "code", "error")
	e.Message = firstString(payload, "msg", "message", "error_description", "hint", "error")

	if e.Message == "" {
		e.Message = http.StatusText(status)
	}

	return e
}

func firstString(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k].(string); ok && v != "" {
			return v
		}
	}

	return ""
}

// classify turns the errors of the client libraries into APIError and types.ErrTimeout.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", types.ErrTimeout, err)
	}

	if m := authErrorPattern.FindStringSubmatch(err.Error()); m != nil {
		status, _ := strconv.Atoi(m[1])
		return parseAPIError(status, []byte(m[2]))
	}

	if m := restErrorPattern.FindStringSubmatch(err.Error()); m != nil {
		return &APIError{Code: m[1], Message: m[2]}
	}

	return err
}
