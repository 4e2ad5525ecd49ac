// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package mail

import (
	"context"
	"fmt"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
)

var _ MailerInterface = (*Mailgun)(nil)

type Mailgun struct {
	mg *mailgun.MailgunImpl

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

func (m *Mailgun) SendMail(ctx context.Context, msg *Message) (string, string, error) {
	ctx, span := m.tracer.Start(ctx, "mail.Mailgun.SendMail")
	defer span.End()

	message := m.mg.NewMessage(msg.From, msg.Subject, msg.Text, msg.To)

	resp, id, err := m.mg.Send(ctx, message)
	if err != nil {
		return "", "", fmt.Errorf("failed to send email: %w", err)
	}

	m.logger.Debugw("email sent", "id", id, "response", resp)

	return resp, id, nil
}

// NewMailgun sends through the mailgun domain, apiBase overrides the default API location when set.
func NewMailgun(domain, apiKey, apiBase string, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) *Mailgun {
	m := new(Mailgun)

	m.mg = mailgun.NewMailgun(domain, apiKey)
	if apiBase != "" {
		m.mg.SetAPIBase(apiBase)
	}

	m.tracer = tracer
	m.monitor = monitor
	m.logger = logger

	return m
}
