// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package logging

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	securityLoggerName = "security"

	appID = "tenant-directory"
)

// SecurityLogger writes audit events following the OWASP logging vocabulary.
// It runs on its own core so audit events survive a restrictive application log level.
type SecurityLogger struct {
	l *zap.Logger
}

func (s *SecurityLogger) event(name, description string, fields ...zap.Field) {
	fields = append(
		[]zap.Field{
			zap.String("type", "security"),
			zap.String("appid", appID),
			zap.String("event", name),
			zap.String("description", description),
		},
		fields...,
	)

	s.l.Warn(description, fields...)
}

func (s *SecurityLogger) SystemStartup() {
	s.event("sys_startup", "tenant directory is starting")
}

func (s *SecurityLogger) SystemShutdown() {
	s.event("sys_shutdown", "tenant directory is shutting down")
}

func (s *SecurityLogger) AuthnFailure(subject, reason string) {
	s.event(
		fmt.Sprintf("authn_login_fail:%s", subject),
		fmt.Sprintf("authentication failed for %s", subject),
		zap.String("reason", reason),
	)
}

func (s *SecurityLogger) AuthzFailure(subject, resource string) {
	s.event(
		fmt.Sprintf("authz_fail:%s,%s", subject, resource),
		fmt.Sprintf("%s attempted to access %s without permission", subject, resource),
	)
}

func (s *SecurityLogger) AdminAction(subject, action, resource string) {
	s.event(
		fmt.Sprintf("admin_action:%s,%s", subject, action),
		fmt.Sprintf("%s performed %s on %s", subject, action, resource),
	)
}

func (s *SecurityLogger) InvitationRedeemed(email, organization string) {
	s.event(
		fmt.Sprintf("user_created:%s,%s", email, organization),
		fmt.Sprintf("invitation for %s redeemed in %s", email, organization),
	)
}

func newSecurityLogger(base *zap.Logger) *SecurityLogger {
	return &SecurityLogger{l: base.Named(securityLoggerName)}
}
