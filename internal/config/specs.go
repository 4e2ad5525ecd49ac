// Copyright 2025 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"time"
)

// EnvSpec is the basic environment configuration setup needed for the app to start
type EnvSpec struct {
	OtelGRPCEndpoint string `envconfig:"otel_grpc_endpoint"`
	OtelHTTPEndpoint string `envconfig:"otel_http_endpoint"`
	TracingEnabled   bool   `envconfig:"tracing_enabled" default:"true"`

	LogLevel string `envconfig:"log_level" default:"error"`
	Debug    bool   `envconfig:"debug" default:"false"`

	Port           int      `envconfig:"port" default:"8080"`
	AllowedOrigins []string `envconfig:"allowed_origins" default:"*"`

	DSN string `envconfig:"DSN" required:"true"`

	DBMaxConns        int32         `envconfig:"db_max_conns" default:"25"`
	DBMinConns        int32         `envconfig:"db_min_conns" default:"2"`
	DBMaxConnLifetime time.Duration `envconfig:"db_max_conn_lifetime" default:"1h"`
	DBMaxConnIdleTime time.Duration `envconfig:"db_max_conn_idle_time" default:"30m"`

	// RedisURL backs the server-side dispatch cooldown, an in-memory store is used when empty
	RedisURL string `envconfig:"redis_url"`

	RemoteCallTimeout time.Duration `envconfig:"remote_call_timeout" default:"10s"`

	LookupRate  float64 `envconfig:"lookup_rate" default:"1"`
	LookupBurst int     `envconfig:"lookup_burst" default:"5"`

	InvitationLifetime    time.Duration `envconfig:"invitation_lifetime" default:"168h"`
	InvitationLinkBaseURL string        `envconfig:"invitation_link_base_url" required:"true"`
	InvitationSender      string        `envconfig:"invitation_sender" default:"no-reply@example.com"`
	DispatchCooldown      time.Duration `envconfig:"dispatch_cooldown" default:"60s"`
	DefaultAccessTier     string        `envconfig:"default_access_tier" default:"basic"`

	MailgunDomain  string `envconfig:"mailgun_domain"`
	MailgunAPIKey  string `envconfig:"mailgun_api_key"`
	MailgunAPIBase string `envconfig:"mailgun_api_base"`

	KratosAdminURL string `envconfig:"kratos_admin_url"`

	AuthenticationEnabled bool     `envconfig:"authentication_enabled" default:"true"`
	AuthenticationIssuer  string   `envconfig:"authentication_issuer"`
	AuthenticationJwksURL string   `envconfig:"authentication_jwks_url"`
	AllowedSubjects       []string `envconfig:"authentication_allowed_subjects"`
	RequiredScope         string   `envconfig:"authentication_required_scope"`

	AuthorizationEnabled bool   `envconfig:"authorization_enabled" default:"false"`
	OpenfgaApiScheme     string `envconfig:"openfga_api_scheme" default:""`
	OpenfgaApiHost       string `envconfig:"openfga_api_host"`
	OpenfgaApiToken      string `envconfig:"openfga_api_token"`
	OpenfgaStoreId       string `envconfig:"openfga_store_id"`
	OpenfgaModelId       string `envconfig:"openfga_authorization_model_id" default:""`
}
