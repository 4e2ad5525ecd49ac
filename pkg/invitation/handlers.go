// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package invitation

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	httptypes "github.com/canonical/tenant-directory/internal/http/types"
	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
	"github.com/canonical/tenant-directory/pkg/authentication"
)

const (
	CompletePath       = "/api/v0/invitations/complete"
	InvitationsPath    = "/api/v0/invitations"
	OrganizationsPath  = "/api/v0/organizations"
	dispatchPathSuffix = "/dispatch"
)

// user facing messages, they never tell which part of the validation failed
const (
	msgInvalidInvitation = "invalid or expired invitation, please request a new invitation"
	msgInvalidRequest    = "email, password (at least 6 characters), organizationSlug and invitationToken are required"
	msgProvisionFailed   = "your account could not be set up, please contact support"
	msgSessionFailed     = "your account was set up but signing in failed, please contact support"
	msgTimeout           = "the request timed out, please try again"
)

type CompletionResponse struct {
	Success      bool       `json:"success"`
	AccessToken  string     `json:"accessToken,omitempty"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	OrgURL       string     `json:"orgUrl,omitempty"`
	OrgAnonKey   string     `json:"orgAnonKey,omitempty"`
	UserID       string     `json:"userId,omitempty"`
	Error        string     `json:"error,omitempty"`
}

type IssueRequest struct {
	Email            string `json:"email" validate:"required,email"`
	OrganizationSlug string `json:"organizationSlug" validate:"required"`
}

type IssueResponse struct {
	AlreadyActive bool              `json:"alreadyActive"`
	Invitation    *types.Invitation `json:"invitation,omitempty"`
	Link          string            `json:"link,omitempty"`
	DispatchError string            `json:"dispatchError,omitempty"`
}

type ListResponse struct {
	Invitations []*types.Invitation `json:"invitations"`
}

type API struct {
	service      ServiceInterface
	orchestrator OrchestratorInterface
	validator    *validator.Validate

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

// RegisterEndpoints registers the public completion endpoint.
func (a *API) RegisterEndpoints(mux *chi.Mux) {
	mux.Post(CompletePath, a.handleComplete)
}

// RegisterOperatorEndpoints registers the invitation management endpoints,
// r is expected to authenticate operators.
func (a *API) RegisterOperatorEndpoints(r chi.Router) {
	r.Post(InvitationsPath, a.handleIssue)
	r.Post(InvitationsPath+"/{token}"+dispatchPathSuffix, a.handleResend)
	r.Delete(InvitationsPath+"/{token}", a.handleCancel)
	r.Get(OrganizationsPath+"/{slug}/invitations", a.handleList)
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "invitation.API.handleComplete")
	defer span.End()

	req := new(CompletionRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		a.write(w, http.StatusBadRequest, CompletionResponse{Error: msgInvalidRequest})
		return
	}

	if err := a.validator.Struct(req); err != nil {
		a.write(w, http.StatusBadRequest, CompletionResponse{Error: msgInvalidRequest})
		return
	}

	result, err := a.orchestrator.Complete(ctx, req)
	if err != nil {
		status := httptypes.HTTPStatusFromError(err)
		a.write(w, status, CompletionResponse{Error: completionMessage(err)})
		return
	}

	resp := CompletionResponse{
		Success:      true,
		AccessToken:  result.Session.AccessToken,
		RefreshToken: result.Session.RefreshToken,
		OrgURL:       result.Organization.Endpoint,
		OrgAnonKey:   result.Organization.AnonymousKey,
		UserID:       result.UserID,
	}

	if !result.Session.ExpiresAt.IsZero() {
		resp.ExpiresAt = &result.Session.ExpiresAt
	}

	a.write(w, http.StatusOK, resp)
}

func completionMessage(err error) string {
	switch {
	case errors.Is(err, types.ErrInvalidOrExpiredInvitation):
		return msgInvalidInvitation
	case errors.Is(err, types.ErrTimeout):
		return msgTimeout
	case errors.Is(err, types.ErrSessionEstablishFailed):
		return msgSessionFailed
	default:
		return msgProvisionFailed
	}
}

func (a *API) handleIssue(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "invitation.API.handleIssue")
	defer span.End()

	req := new(IssueRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := a.validator.Struct(req); err != nil {
		a.writeError(w, http.StatusBadRequest, "a valid email and organizationSlug are required")
		return
	}

	operator, _ := authentication.OperatorFromContext(ctx)

	result, err := a.service.Issue(ctx, req.Email, req.OrganizationSlug, operator)
	if err != nil {
		a.operatorError(w, err)
		return
	}

	if result.AlreadyActive {
		a.write(w, http.StatusOK, IssueResponse{AlreadyActive: true})
		return
	}

	resp := IssueResponse{Invitation: result.Invitation, Link: result.Link}
	if result.DispatchErr != nil {
		resp.DispatchError = result.DispatchErr.Error()
	}

	a.write(w, http.StatusCreated, resp)
}

func (a *API) handleResend(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "invitation.API.handleResend")
	defer span.End()

	result, err := a.service.Resend(ctx, chi.URLParam(r, "token"))
	if err != nil {
		a.operatorError(w, err)
		return
	}

	a.write(w, http.StatusOK, IssueResponse{Invitation: result.Invitation, Link: result.Link})
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "invitation.API.handleCancel")
	defer span.End()

	if err := a.service.Cancel(ctx, chi.URLParam(r, "token")); err != nil {
		a.operatorError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "invitation.API.handleList")
	defer span.End()

	invitations, err := a.service.ListPending(ctx, chi.URLParam(r, "slug"))
	if err != nil {
		a.operatorError(w, err)
		return
	}

	if invitations == nil {
		invitations = make([]*types.Invitation, 0)
	}

	a.write(w, http.StatusOK, ListResponse{Invitations: invitations})
}

func (a *API) operatorError(w http.ResponseWriter, err error) {
	var cooldown *types.CooldownError

	switch {
	case errors.Is(err, ErrForbidden):
		a.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrEmailRequired):
		a.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDispatchFailed):
		a.logger.Errorf("invitation dispatch failed: %v", err)
		a.writeError(w, http.StatusBadGateway, ErrDispatchFailed.Error())
	case errors.As(err, &cooldown):
		httptypes.WriteRetryAfter(w, types.Seconds(cooldown.Remaining))
		a.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		status := httptypes.HTTPStatusFromError(err)
		if status >= http.StatusInternalServerError {
			a.logger.Errorf("invitation request failed: %v", err)
			a.writeError(w, status, "internal error")
			return
		}
		a.writeError(w, status, err.Error())
	}
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

func NewAPI(service ServiceInterface, orchestrator OrchestratorInterface, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) *API {
	a := new(API)

	a.service = service
	a.orchestrator = orchestrator
	a.validator = validator.New(validator.WithRequiredStructEnabled())

	a.tracer = tracer
	a.monitor = monitor
	a.logger = logger

	return a
}
