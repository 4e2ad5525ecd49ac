// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package types

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/canonical/tenant-directory/internal/storage"
	"github.com/canonical/tenant-directory/internal/types"
)

// ErrorResponse is the json body of every non 2xx answer of the API.
type ErrorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) error {
	return WriteJSON(w, status, ErrorResponse{Status: status, Message: message})
}

// WriteRetryAfter sets the Retry-After header, in whole seconds, for throttled answers.
func WriteRetryAfter(w http.ResponseWriter, seconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

// HTTPStatusFromError maps the domain errors to the status code the API answers with.
func HTTPStatusFromError(err error) int {
	var (
		throttled *types.ThrottledError
		cooldown  *types.CooldownError
	)

	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &throttled), errors.As(err, &cooldown):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, types.ErrInvalidOrExpiredInvitation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrTenantProvisionFailed):
		return http.StatusInternalServerError
	case errors.Is(err, types.ErrSessionEstablishFailed):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrNoOrganization), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicateKey):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
