package fallback_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/toolgate/internal/catalog"
	"github.com/agentoven/toolgate/internal/fallback"
	"github.com/agentoven/toolgate/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestResolver(t *testing.T) (*fallback.Resolver, *catalog.Catalog, *fakeClock) {
	t.Helper()
	cat := catalog.NewDefault()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := fallback.New(cat, 4*time.Minute, fallback.WithClock(clock.Now))
	t.Cleanup(r.Close)
	return r, cat, clock
}

func TestResolveForCategory_FirstHealthy(t *testing.T) {
	r, _, _ := newTestResolver(t)

	sel, err := r.ResolveForCategory(context.Background(), models.CategoryExtendedReasoning)
	if err != nil {
		t.Fatalf("ResolveForCategory() error = %v", err)
	}
	if sel.Model != "gemini-2.5-pro" || sel.Provider != "gemini" {
		t.Errorf("ResolveForCategory() = %s/%s, want gemini/gemini-2.5-pro", sel.Provider, sel.Model)
	}
}

func TestResolveForCategory_SkipsUnhealthy(t *testing.T) {
	r, cat, _ := newTestResolver(t)
	_ = cat.SetHealth("gemini", models.HealthDegraded)

	sel, err := r.ResolveForCategory(context.Background(), models.CategoryExtendedReasoning)
	if err != nil {
		t.Fatalf("ResolveForCategory() error = %v", err)
	}
	if sel.Model != "o3" {
		t.Errorf("ResolveForCategory().Model = %q, want %q", sel.Model, "o3")
	}
}

func TestResolveForCategory_HealthChangeInvalidatesCache(t *testing.T) {
	r, cat, _ := newTestResolver(t)
	ctx := context.Background()

	first, _ := r.ResolveForCategory(ctx, models.CategoryFastResponse)
	if first.Provider != "gemini" {
		t.Fatalf("first resolution provider = %q, want gemini", first.Provider)
	}

	_ = cat.SetHealth("gemini", models.HealthDown)
	second, err := r.ResolveForCategory(ctx, models.CategoryFastResponse)
	if err != nil {
		t.Fatalf("ResolveForCategory() error = %v", err)
	}
	if second.Provider != "openai" {
		t.Errorf("after health change provider = %q, want openai", second.Provider)
	}
}

func TestResolveForCategory_CachedUntilTTL(t *testing.T) {
	r, _, clock := newTestResolver(t)
	ctx := context.Background()

	first, _ := r.ResolveForCategory(ctx, models.CategoryBalanced)
	clock.Advance(time.Minute)
	cached, _ := r.ResolveForCategory(ctx, models.CategoryBalanced)
	if !cached.ResolvedAt.Equal(first.ResolvedAt) {
		t.Errorf("ResolvedAt = %s, want cached %s", cached.ResolvedAt, first.ResolvedAt)
	}

	clock.Advance(4 * time.Minute)
	fresh, _ := r.ResolveForCategory(ctx, models.CategoryBalanced)
	if fresh.ResolvedAt.Equal(first.ResolvedAt) {
		t.Error("resolution still served from cache after TTL")
	}
}

func TestResolveForCategory_Exhausted(t *testing.T) {
	r, cat, _ := newTestResolver(t)
	for _, p := range []string{"gemini", "openai", "xai"} {
		_ = cat.SetHealth(p, models.HealthDown)
	}

	_, err := r.ResolveForCategory(context.Background(), models.CategoryExtendedReasoning)
	if !errors.Is(err, models.ErrNoProviderAvailable) {
		t.Errorf("ResolveForCategory() error = %v, want ErrNoProviderAvailable", err)
	}
}

func TestResolveForCategory_UnknownCategory(t *testing.T) {
	r, _, _ := newTestResolver(t)

	_, err := r.ResolveForCategory(context.Background(), "whimsical")
	if !errors.Is(err, models.ErrNoProviderAvailable) {
		t.Errorf("ResolveForCategory() error = %v, want ErrNoProviderAvailable", err)
	}
}

func TestNew_ClampsTTL(t *testing.T) {
	cat := catalog.NewDefault()
	tests := []struct {
		in, want time.Duration
	}{
		{0, fallback.DefaultTTL},
		{time.Second, 3 * time.Minute},
		{time.Hour, 5 * time.Minute},
		{200 * time.Second, 200 * time.Second},
	}
	for _, tt := range tests {
		r := fallback.New(cat, tt.in)
		if got := r.TTL(); got != tt.want {
			t.Errorf("New(%s).TTL() = %s, want %s", tt.in, got, tt.want)
		}
		r.Close()
	}
}
