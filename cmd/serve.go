// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/canonical/tenant-directory/internal/authorization"
	"github.com/canonical/tenant-directory/internal/config"
	"github.com/canonical/tenant-directory/internal/db"
	"github.com/canonical/tenant-directory/internal/kratos"
	"github.com/canonical/tenant-directory/internal/kvstore"
	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/mail"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/monitoring/prometheus"
	"github.com/canonical/tenant-directory/internal/openfga"
	"github.com/canonical/tenant-directory/internal/storage"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/pkg/authentication"
	"github.com/canonical/tenant-directory/pkg/directory"
	"github.com/canonical/tenant-directory/pkg/invitation"
	"github.com/canonical/tenant-directory/pkg/ratelimit"
	"github.com/canonical/tenant-directory/pkg/status"
	"github.com/canonical/tenant-directory/pkg/web"
)

const serviceName = "tenant-directory"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve starts the web server",
	Long:  `Launch the trusted backend, list of environment variables is available in the readme`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	specs := new(config.EnvSpec)
	if err := envconfig.Process("", specs); err != nil {
		return fmt.Errorf("issues with environment sourcing: %w", err)
	}

	logger := logging.NewLogger(specs.LogLevel)
	defer logger.Sync()

	monitor := prometheus.NewMonitor(serviceName, logger)
	tracer := tracing.NewTracer(tracing.NewConfig(specs.TracingEnabled, specs.OtelGRPCEndpoint, specs.OtelHTTPEndpoint, logger))

	dbConfig := db.Config{
		DSN:             specs.DSN,
		MaxConns:        specs.DBMaxConns,
		MinConns:        specs.DBMinConns,
		MaxConnLifetime: specs.DBMaxConnLifetime,
		MaxConnIdleTime: specs.DBMaxConnIdleTime,
		TracingEnabled:  specs.TracingEnabled,
	}
	dbClient, err := db.NewDBClient(dbConfig, tracer, monitor, logger)
	if err != nil {
		return fmt.Errorf("failed to create database client: %v", err)
	}
	defer dbClient.Close()
	s := storage.NewStorage(dbClient, tracer, monitor, logger)

	dependencies := map[string]status.PingerInterface{"management-store": dbClient}

	var gateStore kvstore.Store = kvstore.NewMemoryStore()
	if specs.RedisURL != "" {
		redisStore, err := kvstore.NewRedisStore(ctx, specs.RedisURL, serviceName+":")
		if err != nil {
			return err
		}
		defer redisStore.Close()

		gateStore = redisStore
		dependencies["redis"] = redisStore
	} else {
		logger.Info("REDIS_URL not set, dispatch cooldowns are kept in memory")
	}

	gate := ratelimit.NewGate(gateStore, specs.DispatchCooldown, tracer, monitor, logger)

	authorizer, err := newAuthorizer(specs, tracer, monitor, logger)
	if err != nil {
		return err
	}

	verifier, err := newVerifier(ctx, specs, tracer, monitor, logger)
	if err != nil {
		return err
	}

	var mailer invitation.MailerInterface = mail.NewLogMailer(logger)
	if specs.MailgunDomain != "" {
		mailer = mail.NewMailgun(specs.MailgunDomain, specs.MailgunAPIKey, specs.MailgunAPIBase, tracer, monitor, logger)
	} else {
		logger.Info("MAILGUN_DOMAIN not set, invitation emails are only logged")
	}

	var identities invitation.IdentityInterface = kratos.NewNoopClient()
	if specs.KratosAdminURL != "" {
		identities = kratos.NewClient(specs.KratosAdminURL, tracer, monitor, logger)
	}

	httpClient := &http.Client{Transport: tracing.NewTransport(nil)}

	invitationConfig := invitation.Config{
		Lifetime:          specs.InvitationLifetime,
		LinkBaseURL:       specs.InvitationLinkBaseURL,
		Sender:            specs.InvitationSender,
		CallTimeout:       specs.RemoteCallTimeout,
		DefaultAccessTier: specs.DefaultAccessTier,
	}
	admins := invitation.SupabaseAdminFactory(httpClient, tracer, monitor, logger)

	invitationService := invitation.NewService(s, admins, mailer, gate, authorizer, identities, invitationConfig, tracer, monitor, logger)
	orchestrator := invitation.NewOrchestrator(
		s,
		admins,
		invitation.SupabaseSessionFactory(httpClient, tracer, monitor, logger),
		invitationConfig,
		tracer,
		monitor,
		logger,
	)

	router := web.NewRouter(
		web.Config{
			AllowedOrigins: specs.AllowedOrigins,
			LookupRate:     specs.LookupRate,
			LookupBurst:    specs.LookupBurst,
		},
		directory.NewService(s, tracer, monitor, logger),
		invitationService,
		orchestrator,
		verifier,
		dbClient,
		dependencies,
		tracer,
		monitor,
		logger,
	)
	logger.Infof("Starting HTTP server on port %v", specs.Port)

	srv := &http.Server{
		Addr:         fmt.Sprintf("0.0.0.0:%v", specs.Port),
		WriteTimeout: time.Second * 60,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      router,
	}

	var serverError error
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Security().SystemStartup()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverError = fmt.Errorf("server error: %w", err)
			c <- os.Interrupt
		}
	}()

	<-c

	// Create a deadline to wait for.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Security().SystemShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		serverError = fmt.Errorf("server shutdown error: %w", err)
	}

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("failed to flush traces: %v", err)
	}

	return serverError
}

func newAuthorizer(specs *config.EnvSpec, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) (*authorization.Authorizer, error) {
	if !specs.AuthorizationEnabled {
		logger.Info("Using noop authorizer")
		return authorization.NewAuthorizer(openfga.NewNoopClient(tracer, monitor, logger), tracer, monitor, logger), nil
	}

	ofga, err := openfga.NewClient(
		openfga.NewConfig(
			specs.OpenfgaApiScheme,
			specs.OpenfgaApiHost,
			specs.OpenfgaStoreId,
			specs.OpenfgaApiToken,
			specs.OpenfgaModelId,
			specs.Debug,
			tracer,
			monitor,
			logger,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create openfga client: %w", err)
	}

	logger.Info("Authorization is enabled")

	return authorization.NewAuthorizer(ofga, tracer, monitor, logger), nil
}

func newVerifier(ctx context.Context, specs *config.EnvSpec, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) (authentication.TokenVerifierInterface, error) {
	if !specs.AuthenticationEnabled {
		logger.Warn("Authentication is disabled, any bearer value is accepted as operator")
		return authentication.NewNoopVerifier(), nil
	}

	verifier, err := authentication.NewJWTAuthenticator(
		ctx,
		authentication.Config{
			Issuer:          specs.AuthenticationIssuer,
			JwksURL:         specs.AuthenticationJwksURL,
			AllowedSubjects: specs.AllowedSubjects,
			RequiredScope:   specs.RequiredScope,
		},
		tracer,
		monitor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set up operator authentication: %w", err)
	}

	return verifier, nil
}
