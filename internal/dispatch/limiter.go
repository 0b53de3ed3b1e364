// Package dispatch delivers outbound payloads to the channel under a per-tenant rate
// limit, retrying transient failures with capped exponential backoff.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Default per-tenant pacing.
const (
	DefaultRate        = rate.Limit(1)
	DefaultBurst       = 5
	DefaultConcurrency = 1
)

// LimiterOpts configures a Registry.
type LimiterOpts struct {
	Rate        rate.Limit
	Burst       int
	Concurrency int
}

// LimiterOption configures a Registry.
type LimiterOption func(*LimiterOpts)

// WithRate sets the sustained sends per second allowed per tenant.
func WithRate(r float64) LimiterOption {
	return func(o *LimiterOpts) { o.Rate = rate.Limit(r) }
}

// WithBurst sets the token bucket size per tenant.
func WithBurst(b int) LimiterOption {
	return func(o *LimiterOpts) { o.Burst = b }
}

// WithConcurrency sets how many sends a tenant may have in flight at once.
func WithConcurrency(n int) LimiterOption {
	return func(o *LimiterOpts) { o.Concurrency = n }
}

type tenantLimiter struct {
	bucket *rate.Limiter
	slots  chan struct{}
}

// Registry owns one token bucket and concurrency slot set per tenant.
// It is the only state shared across sessions and campaigns.
type Registry struct {
	mu      sync.Mutex
	opts    LimiterOpts
	tenants map[string]*tenantLimiter
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...LimiterOption) *Registry {
	cfg := LimiterOpts{Rate: DefaultRate, Burst: DefaultBurst, Concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Registry{opts: cfg, tenants: make(map[string]*tenantLimiter)}
}

func (r *Registry) get(tenant string) *tenantLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl, ok := r.tenants[tenant]
	if !ok {
		tl = &tenantLimiter{
			bucket: rate.NewLimiter(r.opts.Rate, r.opts.Burst),
			slots:  make(chan struct{}, r.opts.Concurrency),
		}
		r.tenants[tenant] = tl
	}
	return tl
}

// Acquire blocks until the tenant has a free slot and a token. The returned release
// func must be called exactly once; it is safe to defer.
func (r *Registry) Acquire(ctx context.Context, tenant string) (func(), error) {
	tl := r.get(tenant)

	select {
	case tl.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	release := func() { once.Do(func() { <-tl.slots }) }

	if err := tl.bucket.Wait(ctx); err != nil {
		release()
		return nil, fmt.Errorf("rate limit wait for tenant %s: %w", tenant, err)
	}
	return release, nil
}

// InFlight reports the number of slots currently held by a tenant.
func (r *Registry) InFlight(tenant string) int {
	return len(r.get(tenant).slots)
}
