// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package mail

import "context"

// Message is a plain text email.
type Message struct {
	From    string
	To      string
	Subject string
	Text    string
}

// MailerInterface sends or simulates sending emails.
type MailerInterface interface {
	SendMail(ctx context.Context, msg *Message) (resp string, id string, err error)
}
