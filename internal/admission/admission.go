// ABOUTME: Admission Controller enforcing per-(tenant, credential) fixed-window request limits
// ABOUTME: Counters live in hashed shards so unrelated keys rarely contend on one lock

package admission

import (
	"context"
	"fmt"
	"hash/maphash"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/2389/tenant-gateway/internal/auth"
)

// Defaults used when the configuration leaves limits unset.
const (
	DefaultLimit  = 120
	DefaultWindow = time.Minute
)

const shardCount = 64

// RateLimitedError reports a rejected request and when to retry.
type RateLimitedError struct {
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit of %d per %s exceeded, retry after %s", e.Limit, e.Window, e.RetryAfter)
}

// RetryAfterSeconds rounds the hint up to whole seconds (never zero).
func (e *RateLimitedError) RetryAfterSeconds() int {
	return max(1, int(math.Ceil(e.RetryAfter.Seconds())))
}

// LimitFunc returns the per-window limit for a tenant; 0 means use the default.
type LimitFunc func(tenantID string) int

type counter struct {
	windowStart time.Time
	used        int
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// Controller admits or rejects requests per (tenant, credential) pair.
type Controller struct {
	limit   int
	window  time.Duration
	limitFn LimitFunc
	now     func() time.Time
	seed    maphash.Seed
	shards  [shardCount]shard
	logger  *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithTenantLimits installs per-tenant overrides.
func WithTenantLimits(fn LimitFunc) Option {
	return func(c *Controller) { c.limitFn = fn }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger.With("component", "admission")
		}
	}
}

// New creates a controller allowing limit cost units per window.
func New(limit int, window time.Duration, opts ...Option) *Controller {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	c := &Controller{
		limit:  limit,
		window: window,
		now:    time.Now,
		seed:   maphash.MakeSeed(),
		logger: slog.Default().With("component", "admission"),
	}
	for i := range c.shards {
		c.shards[i].counters = make(map[string]*counter)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit charges cost against the caller's window. It returns nil when
// admitted and a *RateLimitedError otherwise. A rejected request consumes
// nothing.
func (c *Controller) Admit(tc *auth.TenantContext, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	limit := c.limitFor(tc.TenantID())
	if cost > limit {
		return &RateLimitedError{Limit: limit, Window: c.window, RetryAfter: c.window}
	}

	now := c.now()
	start := now.Truncate(c.window)

	// The check and the increment happen under one shard lock so concurrent
	// requests on the same credential can neither double-count nor slip past.
	k := tc.RateKey()
	sh := c.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ctr, ok := sh.counters[k]
	if !ok {
		ctr = &counter{}
		sh.counters[k] = ctr
	}
	if !ctr.windowStart.Equal(start) {
		ctr.windowStart = start
		ctr.used = 0
	}
	if ctr.used+cost > limit {
		retry := start.Add(c.window).Sub(now)
		c.logger.Debug("request rejected",
			"tenant_id", tc.TenantID(),
			"credential_id", tc.CredentialID(),
			"used", ctr.used,
			"limit", limit,
		)
		return &RateLimitedError{Limit: limit, Window: c.window, RetryAfter: retry}
	}
	ctr.used += cost
	return nil
}

func (c *Controller) limitFor(tenantID string) int {
	if c.limitFn != nil {
		if n := c.limitFn(tenantID); n > 0 {
			return n
		}
	}
	return c.limit
}

func (c *Controller) shardFor(k string) *shard {
	return &c.shards[maphash.String(c.seed, k)%shardCount]
}

// Sweep drops counters whose window has ended. Returns the number removed.
func (c *Controller) Sweep() int {
	current := c.now().Truncate(c.window)
	removed := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for k, ctr := range sh.counters {
			if ctr.windowStart.Before(current) {
				delete(sh.counters, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Run sweeps stale counters once per window until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("swept admission counters", "count", n)
			}
		}
	}
}
