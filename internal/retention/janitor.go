// Package retention runs the gateway's periodic housekeeping. Each
// registered sweep (transport record expiry, idle session eviction, call
// cache expiry) runs once at startup and then on every tick until the
// context is cancelled.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultInterval is used when the configured interval is too small.
const DefaultInterval = 30 * time.Second

// SweepFunc performs one sweep and reports how many items it affected.
type SweepFunc func(ctx context.Context) (int, error)

// CycleStats tracks what happened in a single janitor cycle.
type CycleStats struct {
	Affected map[string]int
	Errors   []error
	Elapsed  time.Duration
}

type sweep struct {
	name string
	fn   SweepFunc
}

// Janitor periodically runs the registered sweeps in registration order.
type Janitor struct {
	interval time.Duration

	mu     sync.RWMutex
	sweeps []sweep
}

// NewJanitor creates a janitor that runs on the given interval.
func NewJanitor(interval time.Duration) *Janitor {
	if interval < time.Second {
		interval = DefaultInterval
	}
	return &Janitor{interval: interval}
}

// Interval returns the effective tick interval.
func (j *Janitor) Interval() time.Duration { return j.interval }

// Register adds a named sweep. Registering a name twice replaces the
// earlier sweep.
func (j *Janitor) Register(name string, fn SweepFunc) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.sweeps {
		if j.sweeps[i].name == name {
			j.sweeps[i].fn = fn
			return
		}
	}
	j.sweeps = append(j.sweeps, sweep{name: name, fn: fn})
	log.Debug().Str("sweep", name).Msg("Janitor sweep registered")
}

// Names returns the registered sweep names.
func (j *Janitor) Names() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	names := make([]string, len(j.sweeps))
	for i, s := range j.sweeps {
		names[i] = s.name
	}
	return names
}

// Start runs the janitor. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Strs("sweeps", j.Names()).
		Msg("🧹 Janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle runs every sweep once. A failing or panicking sweep is logged
// and does not stop the others.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	j.mu.RLock()
	sweeps := append([]sweep(nil), j.sweeps...)
	j.mu.RUnlock()

	stats := CycleStats{Affected: make(map[string]int, len(sweeps))}
	total := 0
	for _, s := range sweeps {
		if ctx.Err() != nil {
			break
		}
		n, err := runSweep(ctx, s)
		stats.Affected[s.name] = n
		total += n
		if err != nil {
			log.Warn().Err(err).Str("sweep", s.name).Msg("Janitor sweep error")
			stats.Errors = append(stats.Errors, err)
		}
	}

	stats.Elapsed = time.Since(start)
	if total > 0 {
		log.Info().
			Interface("affected", stats.Affected).
			Dur("elapsed", stats.Elapsed).
			Msg("Janitor cycle complete")
	}
	return stats
}

func runSweep(ctx context.Context, s sweep) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep %s panicked: %v", s.name, r)
		}
	}()
	return s.fn(ctx)
}
