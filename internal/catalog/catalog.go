// Package catalog holds the tool registry and provider capability matrix
// that drive routing decisions, plus the live provider health registry.
//
// Static data (tools, capabilities, provider priority, category chains) lives
// in an immutable Snapshot swapped atomically on Reload, so readers never take
// a lock and never observe a half-applied registry. Provider health is the only
// mutable state; it sits behind its own lock and publishes a HealthEvent to
// subscribers on every change.
package catalog

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentoven/toolgate/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Snapshot is one immutable version of the registry.
type Snapshot struct {
	Version   uint64
	Tools     map[string]models.ToolRequirements
	Providers map[string]models.ProviderCapabilities
	Priority  []string
	Chains    map[models.Category][]string
	LoadedAt  time.Time

	schemas map[string]*jsonschema.Schema
}

// ProviderForModel returns the provider serving model, walking providers in
// priority order so a model listed twice resolves deterministically.
func (s *Snapshot) ProviderForModel(model string) (string, bool) {
	for _, name := range s.orderedProviderNames() {
		p := s.Providers[name]
		if p.HasModel(model) {
			return name, true
		}
	}
	return "", false
}

// orderedProviderNames lists providers in priority order followed by any
// unprioritised providers sorted by name.
func (s *Snapshot) orderedProviderNames() []string {
	names := make([]string, 0, len(s.Providers))
	seen := make(map[string]bool, len(s.Providers))
	for _, n := range s.Priority {
		if _, ok := s.Providers[n]; ok && !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}
	var rest []string
	for n := range s.Providers {
		if !seen[n] {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// Catalog is the thread-safe registry facade.
type Catalog struct {
	snap    atomic.Pointer[Snapshot]
	version atomic.Uint64

	mu     sync.RWMutex
	health map[string]models.HealthStatus

	subMu  sync.RWMutex
	subs   map[int]func(models.HealthEvent)
	nextID int

	now func() time.Time
}

// New creates a catalog from an initial snapshot. The snapshot is validated
// exactly as Reload would validate it.
func New(snap *Snapshot) (*Catalog, error) {
	c := &Catalog{
		health: make(map[string]models.HealthStatus),
		subs:   make(map[int]func(models.HealthEvent)),
		now:    time.Now,
	}
	if err := c.Reload(snap); err != nil {
		return nil, err
	}
	return c, nil
}

// NewDefault creates a catalog from the built-in registry.
func NewDefault() *Catalog {
	c, err := New(BuiltinSnapshot())
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in registry is invalid: %v", err))
	}
	return c
}

// Snapshot returns the current registry snapshot. Callers must treat it as
// read-only.
func (c *Catalog) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Reload validates snap and swaps it in atomically. Health for providers
// already known is preserved; new providers start healthy.
func (c *Catalog) Reload(snap *Snapshot) error {
	if snap == nil {
		return &models.ConfigError{Field: "registry", Detail: "snapshot is nil"}
	}
	schemas, err := validateSnapshot(snap)
	if err != nil {
		return err
	}

	next := *snap
	next.schemas = schemas
	next.Version = c.version.Add(1)
	if next.LoadedAt.IsZero() {
		next.LoadedAt = c.now()
	}

	c.mu.Lock()
	for name := range next.Providers {
		if _, ok := c.health[name]; !ok {
			h := next.Providers[name].Health
			if !h.Valid() {
				h = models.HealthHealthy
			}
			c.health[name] = h
		}
	}
	for name := range c.health {
		if _, ok := next.Providers[name]; !ok {
			delete(c.health, name)
		}
	}
	c.snap.Store(&next)
	c.mu.Unlock()

	log.Info().
		Uint64("version", next.Version).
		Int("tools", len(next.Tools)).
		Int("providers", len(next.Providers)).
		Msg("📚 Registry snapshot loaded")
	return nil
}

// ── Tool Registry ────────────────────────────────────────────

// GetRequirements returns the requirements declared for a tool.
func (c *Catalog) GetRequirements(tool string) (models.ToolRequirements, error) {
	req, ok := c.snap.Load().Tools[tool]
	if !ok {
		return models.ToolRequirements{}, fmt.Errorf("%w: %s", models.ErrUnknownTool, tool)
	}
	return req, nil
}

// ListTools returns every registered tool sorted by name.
func (c *Catalog) ListTools() []models.ToolRequirements {
	snap := c.snap.Load()
	out := make([]models.ToolRequirements, 0, len(snap.Tools))
	for _, t := range snap.Tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolName < out[j].ToolName })
	return out
}

// ── Capability Matrix ────────────────────────────────────────

// ListProviders returns every provider in priority order with its current
// health filled in.
func (c *Catalog) ListProviders() []models.ProviderCapabilities {
	return c.ProvidersOf(c.snap.Load())
}

// ProvidersOf lists the providers of snap in priority order with current
// health. Routing reads tools and providers from one snapshot through this
// so a concurrent Reload cannot mix two registry versions.
func (c *Catalog) ProvidersOf(snap *Snapshot) []models.ProviderCapabilities {
	names := snap.orderedProviderNames()

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ProviderCapabilities, 0, len(names))
	for _, n := range names {
		p := snap.Providers[n]
		p.Health = c.healthLocked(n)
		out = append(out, p)
	}
	return out
}

// Provider returns one provider row with current health.
func (c *Catalog) Provider(name string) (models.ProviderCapabilities, error) {
	p, ok := c.snap.Load().Providers[name]
	if !ok {
		return models.ProviderCapabilities{}, &models.ErrNotFound{Entity: "provider", Key: name}
	}
	p.Health = c.Health(name)
	return p, nil
}

// Priority returns the configured provider priority order.
func (c *Catalog) Priority() []string {
	return c.snap.Load().orderedProviderNames()
}

// Chain returns the ordered model list configured for a category.
func (c *Catalog) Chain(cat models.Category) []string {
	return c.snap.Load().Chains[cat]
}

// ── Health Registry ──────────────────────────────────────────

// Health returns a provider's current health. Unknown providers are down.
func (c *Catalog) Health(provider string) models.HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthLocked(provider)
}

func (c *Catalog) healthLocked(provider string) models.HealthStatus {
	if h, ok := c.health[provider]; ok {
		return h
	}
	return models.HealthDown
}

// SetHealth records a provider's health as reported by the health checker.
// Subscribers are notified synchronously after the lock is released, and only
// when the value actually changes.
func (c *Catalog) SetHealth(provider string, status models.HealthStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid health status %q", status)
	}
	if _, ok := c.snap.Load().Providers[provider]; !ok {
		return &models.ErrNotFound{Entity: "provider", Key: provider}
	}

	c.mu.Lock()
	old := c.healthLocked(provider)
	if old == status {
		c.mu.Unlock()
		return nil
	}
	c.health[provider] = status
	c.mu.Unlock()

	ev := models.HealthEvent{Provider: provider, Old: old, New: status, At: c.now()}
	log.Info().
		Str("provider", provider).
		Str("old", string(old)).
		Str("new", string(status)).
		Msg("🩺 Provider health changed")
	c.publish(ev)
	return nil
}

// Subscribe registers fn to receive every health change. The returned
// function removes the subscription.
func (c *Catalog) Subscribe(fn func(models.HealthEvent)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Catalog) publish(ev models.HealthEvent) {
	c.subMu.RLock()
	fns := make([]func(models.HealthEvent), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
