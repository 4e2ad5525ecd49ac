// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ LoggerInterface = (*Logger)(nil)

type Logger struct {
	*zap.SugaredLogger

	security *SecurityLogger
}

func (l *Logger) Security() SecurityLoggerInterface {
	return l.security
}

// NewLogger creates a JSON zap logger; unknown levels fall back to error.
func NewLogger(l string) *Logger {
	var level zapcore.Level

	switch strings.ToLower(l) {
	case "debug":
		level = zap.DebugLevel
	case "info":
		level = zap.InfoLevel
	case "warn", "warning":
		level = zap.WarnLevel
	case "fatal":
		level = zap.FatalLevel
	default:
		level = zap.ErrorLevel
	}

	c := zap.NewProductionConfig()
	c.Level = zap.NewAtomicLevelAt(level)
	c.EncoderConfig.TimeKey = "@timestamp"
	c.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	c.DisableStacktrace = level != zap.DebugLevel

	base := zap.Must(c.Build())

	sc := c
	sc.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	audit := zap.Must(sc.Build())

	return &Logger{
		SugaredLogger: base.Sugar(),
		security:      newSecurityLogger(audit),
	}
}
