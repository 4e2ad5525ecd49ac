// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package mail

import (
	"context"

	"github.com/google/uuid"

	"github.com/canonical/tenant-directory/internal/logging"
)

var _ MailerInterface = (*LogMailer)(nil)

// LogMailer only logs messages, used when no mail provider is configured.
type LogMailer struct {
	logger logging.LoggerInterface
}

func (m *LogMailer) SendMail(_ context.Context, msg *Message) (string, string, error) {
	id := uuid.NewString()

	m.logger.Infow("email not sent, no mail provider configured",
		"id", id,
		"to", msg.To,
		"subject", msg.Subject,
		"text", msg.Text,
	)

	return "logged", id, nil
}

func NewLogMailer(logger logging.LoggerInterface) *LogMailer {
	return &LogMailer{logger: logger}
}
