// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package types

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})

	_ = v.RegisterValidation("endpoint", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		if err != nil {
			return false
		}

		return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	})

	return v
}

// Organization is the public face of a tenant, it never carries the service credential.
type Organization struct {
	ID           string `json:"id" validate:"required"`
	Slug         string `json:"slug" validate:"slug"`
	Name         string `json:"name"`
	Endpoint     string `json:"endpoint" validate:"endpoint"`
	AnonymousKey string `json:"anonymousKey" validate:"required"`
}

// NewOrganization validates the public organization fields and returns the value object
// every tenant connection is built from.
func NewOrganization(id, slug, name, endpoint, anonymousKey string) (Organization, error) {
	o := Organization{
		ID:           id,
		Slug:         slug,
		Name:         name,
		Endpoint:     strings.TrimRight(endpoint, "/"),
		AnonymousKey: anonymousKey,
	}

	if err := validate.Struct(o); err != nil {
		return Organization{}, fmt.Errorf("invalid organization %q: %w", slug, err)
	}

	return o, nil
}

// Validate re-checks an Organization that was not built through NewOrganization,
// e.g. one decoded from persisted state.
func (o Organization) Validate() error {
	_, err := NewOrganization(o.ID, o.Slug, o.Name, o.Endpoint, o.AnonymousKey)
	return err
}

// OrganizationSecret holds the elevated tenant credential, only the trusted backend reads it.
type OrganizationSecret struct {
	OrganizationID string `json:"-"`
	ServiceKey     string `json:"-"`
}

func (s OrganizationSecret) String() string {
	return fmt.Sprintf("OrganizationSecret{OrganizationID: %s, ServiceKey: [REDACTED]}", s.OrganizationID)
}

func (s OrganizationSecret) GoString() string {
	return s.String()
}

type Membership struct {
	ID             string    `db:"id"`
	Email          string    `db:"email"`
	OrganizationID string    `db:"organization_id"`
	CreatedAt      time.Time `db:"created_at"`
}

type Invitation struct {
	Token            string     `db:"token" json:"token"`
	Email            string     `db:"email" json:"email"`
	OrganizationID   string     `db:"organization_id" json:"organizationId"`
	OrganizationSlug string     `db:"organization_slug" json:"organizationSlug"`
	Endpoint         string     `db:"endpoint" json:"endpoint"`
	AnonymousKey     string     `db:"anon_key" json:"anonymousKey"`
	InvitedBy        *string    `db:"invited_by" json:"invitedBy,omitempty"`
	IssuedAt         time.Time  `db:"issued_at" json:"issuedAt"`
	ExpiresAt        time.Time  `db:"expires_at" json:"expiresAt"`
	UsedAt           *time.Time `db:"used_at" json:"usedAt,omitempty"`
}

// Usable reports whether the invitation can still be redeemed at now.
func (i *Invitation) Usable(now time.Time) bool {
	return i.UsedAt == nil && now.Before(i.ExpiresAt)
}

// Session is always scoped to exactly one organization.
type Session struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	ExpiresAt        time.Time `json:"expiresAt"`
	UserID           string    `json:"userId"`
	OrganizationSlug string    `json:"organizationSlug"`
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// SessionMarker is what survives a restart on the client, it holds no credentials.
type SessionMarker struct {
	UserID           string `json:"userId"`
	Email            string `json:"email"`
	OrganizationSlug string `json:"organizationSlug"`
}

type Profile struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	FullName       string `json:"full_name"`
	ApprovalStatus string `json:"approval_status"`
	AccessTier     string `json:"access_tier"`
}

const (
	ApprovalStatusApproved = "approved"
)
