// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package invitation

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/canonical/tenant-directory/internal/types"
)

var ErrInvalidLink = errors.New("invalid invitation link")

// Link is everything the invitee needs to complete the invitation without a directory lookup.
type Link struct {
	Token            string
	Email            string
	OrganizationID   string
	OrganizationSlug string
	Endpoint         string
	AnonymousKey     string
}

// Organization rebuilds the tenant the link points to.
func (l *Link) Organization() (types.Organization, error) {
	return types.NewOrganization(l.OrganizationID, l.OrganizationSlug, l.OrganizationSlug, l.Endpoint, l.AnonymousKey)
}

// BuildLink appends the invitation parameters to base, keeping any query base already has.
func BuildLink(base string, inv *types.Invitation) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid invitation link base %q: %w", base, err)
	}

	q := u.Query()
	q.Set("token", inv.Token)
	q.Set("email", inv.Email)
	q.Set("org", inv.OrganizationSlug)
	q.Set("orgId", inv.OrganizationID)
	q.Set("endpoint", inv.Endpoint)
	q.Set("anonKey", inv.AnonymousKey)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func ParseLink(raw string) (*Link, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLink, err)
	}

	q := u.Query()

	l := &Link{
		Token:            q.Get("token"),
		Email:            q.Get("email"),
		OrganizationID:   q.Get("orgId"),
		OrganizationSlug: q.Get("org"),
		Endpoint:         q.Get("endpoint"),
		AnonymousKey:     q.Get("anonKey"),
	}

	if l.Token == "" || l.Email == "" || l.OrganizationSlug == "" {
		return nil, fmt.Errorf("%w: token, email and org are required", ErrInvalidLink)
	}

	if _, err := l.Organization(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLink, err)
	}

	return l, nil
}
