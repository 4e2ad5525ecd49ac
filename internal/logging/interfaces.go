// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package logging

type LoggerInterface interface {
	Error(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Debug(args ...interface{})
	Fatal(args ...interface{})
	Errorf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Debugf(template string, args ...interface{})
	Fatalf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Security() SecurityLoggerInterface
	Sync() error
}

// SecurityLoggerInterface emits audit events in a stable, machine-parsable shape.
type SecurityLoggerInterface interface {
	SystemStartup()
	SystemShutdown()
	AuthnFailure(subject, reason string)
	AuthzFailure(subject, resource string)
	AdminAction(subject, action, resource string)
	InvitationRedeemed(email, organization string)
}
