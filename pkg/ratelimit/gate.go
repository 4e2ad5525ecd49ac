// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/canonical/tenant-directory/internal/kvstore"
	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
)

const keyPrefix = "ratelimit:"

// Decision is the outcome of Allow, Remaining is zero when Allowed.
type Decision struct {
	Allowed   bool
	Remaining time.Duration
}

// Seconds is the remaining wait rounded up to whole seconds.
func (d Decision) Seconds() int {
	return types.Seconds(d.Remaining)
}

// Err returns a CooldownError for a refused decision, nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}

	return &types.CooldownError{Remaining: d.Remaining}
}

type Option func(*Gate)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// Gate tracks the last attempt of sensitive actions in a persisted store and
// refuses a new attempt until the cooldown elapsed.
type Gate struct {
	store    kvstore.Store
	cooldown time.Duration
	now      func() time.Time

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

var _ GateInterface = (*Gate)(nil)

// Allow never fails, an unreadable record counts as no previous attempt.
func (g *Gate) Allow(ctx context.Context, action string) Decision {
	ctx, span := g.tracer.Start(ctx, "ratelimit.Gate.Allow")
	defer span.End()

	last, err := g.last(ctx, action)
	if err != nil {
		g.logger.Warnf("unable to read rate limit record for %s, allowing: %v", action, err)
		return Decision{Allowed: true}
	}

	if last.IsZero() {
		return Decision{Allowed: true}
	}

	elapsed := g.now().Sub(last)
	if elapsed >= g.cooldown {
		return Decision{Allowed: true}
	}

	return Decision{Remaining: g.cooldown - elapsed}
}

// Record stores at as the last attempt of action unless a later one is already recorded.
func (g *Gate) Record(ctx context.Context, action string, at time.Time) error {
	ctx, span := g.tracer.Start(ctx, "ratelimit.Gate.Record")
	defer span.End()

	next := func(old []byte) ([]byte, error) {
		prev, err := decode(old)
		if err != nil {
			g.logger.Warnf("overwriting unreadable rate limit record for %s: %v", action, err)
		}

		if prev.After(at) {
			return encode(prev), nil
		}

		return encode(at), nil
	}

	key := keyPrefix + action

	if u, ok := g.store.(kvstore.Updater); ok {
		if err := u.Update(ctx, key, next); err != nil {
			return fmt.Errorf("failed to record %s: %w", action, err)
		}
		return nil
	}

	old, err := g.store.Get(ctx, key)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return fmt.Errorf("failed to read %s: %w", action, err)
	}

	v, _ := next(old)
	if err := g.store.Set(ctx, key, v); err != nil {
		return fmt.Errorf("failed to record %s: %w", action, err)
	}

	return nil
}

// Now is the gate clock, callers use it for the timestamp they pass to Record.
func (g *Gate) Now() time.Time {
	return g.now()
}

func (g *Gate) Cooldown() time.Duration {
	return g.cooldown
}

func (g *Gate) last(ctx context.Context, action string) (time.Time, error) {
	raw, err := g.store.Get(ctx, keyPrefix+action)
	if errors.Is(err, kvstore.ErrNotFound) {
		return time.Time{}, nil
	}

	if err != nil {
		return time.Time{}, err
	}

	return decode(raw)
}

func decode(raw []byte) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, nil
	}

	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed rate limit record %q", raw)
	}

	return time.Unix(0, n), nil
}

func encode(t time.Time) []byte {
	return []byte(strconv.FormatInt(t.UnixNano(), 10))
}

func NewGate(store kvstore.Store, cooldown time.Duration, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface, opts ...Option) *Gate {
	g := new(Gate)

	g.store = store
	g.cooldown = cooldown
	g.now = time.Now

	g.tracer = tracer
	g.monitor = monitor
	g.logger = logger

	for _, opt := range opts {
		opt(g)
	}

	return g
}
