// Copyright 2025 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package authorization

const (
	ADMIN_RELATION  = "admin"
	MEMBER_RELATION = "member"

	CAN_INVITE_PERMISSION = "can_invite"
)

func UserTuple(userId string) string {
	return "user:" + userId
}

func OrganizationTuple(organizationId string) string {
	return "organization:" + organizationId
}
