// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrNoOrganization means the email has no membership in any organization.
	ErrNoOrganization             = errors.New("no organization found for email")
	ErrInvalidOrExpiredInvitation = errors.New("invalid or expired invitation")
	ErrTenantProvisionFailed      = errors.New("tenant provisioning failed")
	ErrSessionEstablishFailed     = errors.New("session could not be established")
	ErrNoTenantBound              = errors.New("no tenant connection bound")
	ErrTimeout                    = errors.New("remote call timed out")
	ErrLookupFailed               = errors.New("organization lookup failed")
)

// ThrottledError is returned when the remote side asked us to slow down.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many requests, retry in %d seconds", Seconds(e.RetryAfter))
}

// CooldownError is returned when a locally recorded cooldown has not elapsed yet.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("please wait %d seconds before trying again", Seconds(e.Remaining))
}

// Seconds rounds d up to whole seconds.
func Seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}

	return int(math.Ceil(d.Seconds()))
}

// ProvisionError is a failure in one of the cross-store provisioning steps.
type ProvisionError struct {
	Step string
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("%s: step %s: %v", ErrTenantProvisionFailed, e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() []error {
	return []error{ErrTenantProvisionFailed, e.Err}
}

type SessionError struct {
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %v", ErrSessionEstablishFailed, e.Err)
}

func (e *SessionError) Unwrap() []error {
	return []error{ErrSessionEstablishFailed, e.Err}
}
