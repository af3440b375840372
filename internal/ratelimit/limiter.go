// Package ratelimit provides token-bucket admission control. Each tracked key
// owns an independent bucket; the scope decides what the key is (the process,
// a client IP, or an authenticated user).
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Scope selects the dimension requests are limited on.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopePerIP   Scope = "per_ip"
	ScopePerUser Scope = "per_user"
)

// Config tunes the limiter.
type Config struct {
	// Requests admitted per Window once the burst is consumed.
	Requests int
	// Window over which Requests are replenished.
	Window time.Duration
	// Burst is the bucket capacity. Must be at least Requests.
	Burst int
	// Scope selects the key dimension.
	Scope Scope
	// IdleTTL evicts buckets untouched for this long. Defaults to 5m.
	IdleTTL time.Duration
	// Enabled turns admission control on. A disabled limiter admits all.
	Enabled bool
}

// Validate checks the policy invariants.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Window <= 0 {
		return errors.New("rate limit window must be positive")
	}
	if c.Requests <= 0 {
		return errors.New("rate limit requests must be positive")
	}
	if c.Burst < c.Requests {
		return errors.New("rate limit burst must be at least the per-window request count")
	}
	switch c.Scope {
	case ScopeGlobal, ScopePerIP, ScopePerUser:
	default:
		return errors.New("rate limit scope must be global, per_ip or per_user")
	}
	return nil
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter admits requests against per-key token buckets.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	limit   rate.Limit
	buckets map[string]*bucket

	now func() time.Time // test hook
}

// New creates a limiter for the given, already-validated policy.
func New(cfg Config) *Limiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	var limit rate.Limit
	if cfg.Window > 0 {
		limit = rate.Limit(float64(cfg.Requests) / cfg.Window.Seconds())
	}
	return &Limiter{
		cfg:     cfg,
		limit:   limit,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Scope returns the configured key dimension.
func (l *Limiter) Scope() Scope { return l.cfg.Scope }

// Allow atomically consumes one token for key. Admission decisions are final:
// a consumed token is never returned, even if the request later fails.
func (l *Limiter) Allow(key string) bool {
	if !l.cfg.Enabled {
		return true
	}
	if l.cfg.Scope == ScopeGlobal {
		key = ""
	}

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = l.now()
	l.mu.Unlock()

	return b.lim.Allow()
}

// RetryAfter estimates how long a rejected caller should wait for a token.
func (l *Limiter) RetryAfter() time.Duration {
	if l.limit <= 0 {
		return time.Second
	}
	d := time.Duration(float64(time.Second) / float64(l.limit))
	if d < time.Second {
		return time.Second
	}
	return d
}

// Sweep evicts buckets idle longer than the configured TTL and returns how
// many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.IdleTTL)
	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets periodically until ctx is canceled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
