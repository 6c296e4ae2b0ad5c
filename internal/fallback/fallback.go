// Package fallback resolves a model category to the first healthy model in
// its configured chain. Resolutions are cached per category for a short TTL
// and flushed the moment any provider's health changes.
package fallback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentoven/toolgate/internal/catalog"
	"github.com/agentoven/toolgate/internal/metrics"
	"github.com/agentoven/toolgate/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTTL = 4 * time.Minute
	minTTL     = 3 * time.Minute
	maxTTL     = 5 * time.Minute
)

// Registry is the slice of the catalog the resolver reads.
type Registry interface {
	Snapshot() *catalog.Snapshot
	Health(provider string) models.HealthStatus
	Subscribe(fn func(models.HealthEvent)) (unsubscribe func())
}

type cacheEntry struct {
	sel       models.CategorySelection
	version   uint64 // snapshot version the entry was computed against
	expiresAt time.Time
}

// Resolver walks category chains.
type Resolver struct {
	reg Registry
	ttl time.Duration
	now func() time.Time

	cache sync.Map // models.Category → *cacheEntry

	// writeMu serialises cache stores against Invalidate so a resolution
	// computed before a health change is never stored after it.
	writeMu sync.Mutex
	epoch   atomic.Uint64

	unsubscribe func()
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New creates a resolver and subscribes it to health changes. TTLs outside
// 3–5 minutes are clamped into that range.
func New(reg Registry, ttl time.Duration, opts ...Option) *Resolver {
	switch {
	case ttl <= 0:
		ttl = DefaultTTL
	case ttl < minTTL:
		ttl = minTTL
	case ttl > maxTTL:
		ttl = maxTTL
	}
	r := &Resolver{reg: reg, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	r.unsubscribe = reg.Subscribe(func(ev models.HealthEvent) {
		r.Invalidate()
		log.Debug().Str("provider", ev.Provider).Msg("Fallback cache invalidated by health change")
	})
	return r
}

// Close detaches the resolver from health events.
func (r *Resolver) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// TTL returns the effective cache TTL.
func (r *Resolver) TTL() time.Duration { return r.ttl }

// ResolveForCategory returns the first model in the category's chain whose
// provider is healthy. Degraded and down providers are skipped.
func (r *Resolver) ResolveForCategory(ctx context.Context, cat models.Category) (models.CategorySelection, error) {
	if err := ctx.Err(); err != nil {
		return models.CategorySelection{}, err
	}
	snap := r.reg.Snapshot()
	now := r.now()

	if v, ok := r.cache.Load(cat); ok {
		e := v.(*cacheEntry)
		if e.version == snap.Version && now.Before(e.expiresAt) {
			metrics.FallbackCacheHits.Inc()
			return e.sel, nil
		}
	}
	metrics.FallbackCacheMisses.Inc()

	epoch := r.epoch.Load()
	chain, ok := snap.Chains[cat]
	if !ok || len(chain) == 0 {
		return models.CategorySelection{}, fmt.Errorf("%w: no fallback chain for category %q", models.ErrNoProviderAvailable, cat)
	}

	for _, model := range chain {
		provider, ok := snap.ProviderForModel(model)
		if !ok {
			continue
		}
		if r.reg.Health(provider) != models.HealthHealthy {
			continue
		}
		sel := models.CategorySelection{Category: cat, Model: model, Provider: provider, ResolvedAt: now}
		r.store(cat, epoch, &cacheEntry{sel: sel, version: snap.Version, expiresAt: now.Add(r.ttl)})
		return sel, nil
	}

	log.Warn().Str("category", string(cat)).Strs("chain", chain).Msg("⚠️ Fallback chain exhausted")
	return models.CategorySelection{}, fmt.Errorf("%w: every model in the %s chain is unhealthy", models.ErrNoProviderAvailable, cat)
}

func (r *Resolver) store(cat models.Category, epoch uint64, e *cacheEntry) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.epoch.Load() != epoch {
		return
	}
	r.cache.Store(cat, e)
}

// Invalidate drops every cached resolution.
func (r *Resolver) Invalidate() {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.epoch.Add(1)
	r.cache.Range(func(k, _ any) bool {
		r.cache.Delete(k)
		return true
	})
	metrics.FallbackInvalidations.Inc()
}
