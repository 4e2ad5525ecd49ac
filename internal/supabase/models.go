// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package supabase

import (
	"time"

	"github.com/google/uuid"
	gotypes "github.com/supabase-community/gotrue-go/types"

	"github.com/canonical/tenant-directory/internal/types"
)

type User struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	ConfirmedAt      *time.Time     `json:"confirmed_at,omitempty"`
	UserMetadata     map[string]any `json:"user_metadata,omitempty"`
}

// Confirmed reports whether the identity completed email confirmation.
func (u *User) Confirmed() bool {
	return u.EmailConfirmedAt != nil || u.ConfirmedAt != nil
}

func userFrom(u gotypes.User) *User {
	user := &User{
		Email:            u.Email,
		EmailConfirmedAt: u.EmailConfirmedAt,
		UserMetadata:     u.UserMetadata,
	}

	if u.ID != uuid.Nil {
		user.ID = u.ID.String()
	}

	if !u.ConfirmedAt.IsZero() {
		confirmed := u.ConfirmedAt
		user.ConfirmedAt = &confirmed
	}

	return user
}

func sessionFrom(s gotypes.Session, now time.Time) *types.Session {
	session := &types.Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
	}

	switch {
	case s.ExpiresAt > 0:
		session.ExpiresAt = time.Unix(s.ExpiresAt, 0)
	case s.ExpiresIn > 0:
		session.ExpiresAt = now.Add(time.Duration(s.ExpiresIn) * time.Second)
	}

	if s.User.ID != uuid.Nil {
		session.UserID = s.User.ID.String()
	}

	return session
}

// SignUpResult carries the new identity, Session is nil when the tenant requires email confirmation.
type SignUpResult struct {
	User    *User
	Session *types.Session
}
