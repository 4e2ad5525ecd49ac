// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package directory

import (
	"maps"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiters are pruned once the map grows past this size
const pruneThreshold = 1024

// ipLimiter keeps one token bucket per client address.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	limit rate.Limit
	burst int
	now   func() time.Time
}

// reserve takes a token for ip, it returns how long the caller has to wait when none is left.
func (l *ipLimiter) reserve(ip string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	limiter, ok := l.limiters[ip]
	if !ok {
		if len(l.limiters) >= pruneThreshold {
			l.prune(now)
		}

		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}

	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Minute
	}

	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return delay
	}

	return 0
}

// prune drops buckets that refilled completely, they behave exactly like new ones.
func (l *ipLimiter) prune(now time.Time) {
	maps.DeleteFunc(l.limiters, func(_ string, limiter *rate.Limiter) bool {
		return int(limiter.TokensAt(now)) >= limiter.Burst()
	})
}

func (l *ipLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.limiters)
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	l := new(ipLimiter)

	l.limiters = make(map[string]*rate.Limiter)
	l.limit = rate.Limit(perSecond)
	l.burst = burst
	l.now = time.Now

	return l
}
