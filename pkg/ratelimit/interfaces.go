// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package ratelimit

import (
	"context"
	"time"
)

type GateInterface interface {
	Allow(ctx context.Context, action string) Decision
	Record(ctx context.Context, action string, at time.Time) error
	Now() time.Time
	Cooldown() time.Duration
}
