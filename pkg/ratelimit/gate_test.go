// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/canonical/tenant-directory/internal/kvstore"
	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// setOnly hides the Updater implementation of the wrapped store.
type setOnly struct {
	kvstore.Store
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errors.New("disk on fire") }
func (brokenStore) Set(context.Context, string, []byte) error  { return errors.New("disk on fire") }
func (brokenStore) Delete(context.Context, string) error       { return nil }

func newGate(store kvstore.Store, c *clock) *Gate {
	logger := logging.NewNoopLogger()
	return NewGate(store, time.Minute, tracing.NewNoopTracer(), monitoring.NewNoopMonitor("test", logger), logger, WithClock(c.Now))
}

func TestGateCooldownWindow(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, store := range map[string]kvstore.Store{
		"atomic":   kvstore.NewMemoryStore(),
		"set only": setOnly{kvstore.NewMemoryStore()},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := &clock{t: t0}
			g := newGate(store, c)

			if d := g.Allow(ctx, "password_reset"); !d.Allowed {
				t.Fatalf("expected first attempt to be allowed, got %+v", d)
			}

			if err := g.Record(ctx, "password_reset", t0); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			c.Set(t0.Add(30 * time.Second))
			d := g.Allow(ctx, "password_reset")
			if d.Allowed || d.Seconds() != 30 {
				t.Errorf("expected cooldown of 30 seconds, got %+v", d)
			}

			var cooldown *types.CooldownError
			if !errors.As(d.Err(), &cooldown) || types.Seconds(cooldown.Remaining) != 30 {
				t.Errorf("expected a CooldownError, got %v", d.Err())
			}

			c.Set(t0.Add(61 * time.Second))
			if d := g.Allow(ctx, "password_reset"); !d.Allowed || d.Err() != nil {
				t.Errorf("expected attempt to be allowed after cooldown, got %+v", d)
			}

			if d := g.Allow(ctx, "other_action"); !d.Allowed {
				t.Errorf("actions must not share records, got %+v", d)
			}
		})
	}
}

func TestGateRecordIsMonotonic(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &clock{t: t0}
	g := newGate(kvstore.NewMemoryStore(), c)

	if err := g.Record(ctx, "password_reset", t0.Add(50*time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := g.Record(ctx, "password_reset", t0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.Set(t0.Add(70 * time.Second))
	if d := g.Allow(ctx, "password_reset"); d.Allowed || d.Seconds() != 40 {
		t.Errorf("expected the later record to win, got %+v", d)
	}
}

func TestGateConcurrentRecord(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &clock{t: t0}
	g := newGate(kvstore.NewMemoryStore(), c)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = g.Record(ctx, "password_reset", t0.Add(time.Duration(i)*time.Second))
		}(i)
	}
	wg.Wait()

	c.Set(t0.Add(60 * time.Second))
	if d := g.Allow(ctx, "password_reset"); d.Allowed || d.Seconds() != 19 {
		t.Errorf("expected the latest timestamp to survive, got %+v", d)
	}
}

func TestGateFailsOpen(t *testing.T) {
	g := newGate(brokenStore{}, &clock{t: time.Now()})

	if d := g.Allow(context.Background(), "password_reset"); !d.Allowed {
		t.Errorf("expected unreadable store to allow, got %+v", d)
	}

	if err := g.Record(context.Background(), "password_reset", time.Now()); err == nil {
		t.Error("expected record error to surface")
	}
}

func TestGateIgnoresMalformedRecord(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	_ = store.Set(ctx, "ratelimit:password_reset", []byte("yesterday"))

	g := newGate(store, &clock{t: time.Now()})

	if d := g.Allow(ctx, "password_reset"); !d.Allowed {
		t.Errorf("expected malformed record to allow, got %+v", d)
	}

	if err := g.Record(ctx, "password_reset", time.Now()); err != nil {
		t.Errorf("expected malformed record to be overwritten, got %v", err)
	}
}
