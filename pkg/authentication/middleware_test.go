// Copyright 2025 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package authentication

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
)

//go:generate mockgen -build_flags=--mod=mod -package authentication -destination ./mock_verifier.go -source=./interfaces.go

func TestMiddleware_Authenticate(t *testing.T) {
	tests := []struct {
		name               string
		authHeader         string
		setupMocks         func(*gomock.Controller) TokenVerifierInterface
		expectedStatusCode int
		expectedBody       string
	}{
		{
			name:       "Missing token - rejects request",
			authHeader: "",
			setupMocks: func(ctrl *gomock.Controller) TokenVerifierInterface {
				return NewMockTokenVerifierInterface(ctrl)
			},
			expectedStatusCode: http.StatusUnauthorized,
		},
		{
			name:       "Invalid token format - rejects request",
			authHeader: "InvalidToken",
			setupMocks: func(ctrl *gomock.Controller) TokenVerifierInterface {
				return NewMockTokenVerifierInterface(ctrl)
			},
			expectedStatusCode: http.StatusUnauthorized,
		},
		{
			name:       "Token verification fails - rejects request",
			authHeader: "Bearer invalid-token",
			setupMocks: func(ctrl *gomock.Controller) TokenVerifierInterface {
				mockVerifier := NewMockTokenVerifierInterface(ctrl)
				mockVerifier.EXPECT().VerifyToken(gomock.Any(), "invalid-token").Return("", fmt.Errorf("invalid token"))
				return mockVerifier
			},
			expectedStatusCode: http.StatusUnauthorized,
		},
		{
			name:       "Valid token - exposes the operator subject",
			authHeader: "Bearer valid-token",
			setupMocks: func(ctrl *gomock.Controller) TokenVerifierInterface {
				mockVerifier := NewMockTokenVerifierInterface(ctrl)
				mockVerifier.EXPECT().VerifyToken(gomock.Any(), "valid-token").Return("operator-123", nil)
				return mockVerifier
			},
			expectedStatusCode: http.StatusOK,
			expectedBody:       "operator-123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)

			logger := logging.NewNoopLogger()
			middleware := NewMiddleware(
				tt.setupMocks(ctrl),
				tracing.NewNoopTracer(),
				monitoring.NewNoopMonitor("test", logger),
				logger,
			)

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				sub, _ := OperatorFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(sub))
			})

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			middleware.Authenticate()(handler).ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatusCode {
				t.Errorf("expected status %d, got %d", tt.expectedStatusCode, rr.Code)
			}

			if tt.expectedBody != "" && rr.Body.String() != tt.expectedBody {
				t.Errorf("expected body %q, got %q", tt.expectedBody, rr.Body.String())
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name          string
		authHeader    string
		expectedToken string
		expectedFound bool
	}{
		{name: "No Authorization header"},
		{name: "Bearer token", authHeader: "Bearer my-token-123", expectedToken: "my-token-123", expectedFound: true},
		{name: "Raw token without Bearer prefix", authHeader: "my-token-123"},
		{name: "Empty bearer", authHeader: "Bearer "},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			headers := http.Header{}
			if test.authHeader != "" {
				headers.Set("Authorization", test.authHeader)
			}

			token, found := bearerToken(headers)

			if token != test.expectedToken {
				t.Errorf("expected token %q, got %q", test.expectedToken, token)
			}
			if found != test.expectedFound {
				t.Errorf("expected found %v, got %v", test.expectedFound, found)
			}
		})
	}
}

func TestNoopVerifier(t *testing.T) {
	v := NewNoopVerifier()

	if sub, err := v.VerifyToken(context.Background(), "dev-operator"); err != nil || sub != "dev-operator" {
		t.Errorf("expected dev-operator, got %q (%v)", sub, err)
	}

	if _, err := v.VerifyToken(context.Background(), ""); err == nil {
		t.Error("expected an error for an empty token")
	}
}

func TestJWTVerifierAuthorize(t *testing.T) {
	tests := []struct {
		name     string
		subjects []string
		scope    string
		claims   claims
		allowed  bool
	}{
		{name: "no policy", claims: claims{Subject: "a"}},
		{name: "allowed subject", subjects: []string{"a"}, claims: claims{Subject: "a"}, allowed: true},
		{name: "scope string", scope: "invitations:write", claims: claims{Subject: "b", Scope: "openid invitations:write"}, allowed: true},
		{name: "scope list", scope: "invitations:write", claims: claims{Subject: "b", Scopes: []string{"invitations:write"}}, allowed: true},
		{name: "missing scope", subjects: []string{"a"}, scope: "invitations:write", claims: claims{Subject: "b", Scope: "openid"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &JWTVerifier{allowedSubjects: tt.subjects, requiredScope: tt.scope}

			err := v.authorize(tt.claims)
			if tt.allowed && err != nil {
				t.Errorf("expected authorization, got %v", err)
			}
			if !tt.allowed && err == nil {
				t.Error("expected authorization failure")
			}
		})
	}
}
