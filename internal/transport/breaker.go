package transport

import (
	"sync"
	"time"

	"github.com/agentoven/toolgate/internal/metrics"
	"github.com/agentoven/toolgate/pkg/models"
	"github.com/rs/zerolog/log"
)

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	Threshold       int           // consecutive failures that open the circuit
	Window          time.Duration // failures older than this no longer count
	RecoveryTimeout time.Duration // time spent OPEN before a probe is allowed
}

// Breaker guards the durable store. All transitions happen under one mutex
// so concurrent senders always observe a single state.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu            sync.Mutex
	state         models.CircuitState
	failures      int
	windowStart   time.Time
	lastFailureAt time.Time
	openedAt      time.Time
	probing       bool

	observer func(from, to models.CircuitState, snap models.BreakerSnapshot)
}

// NewBreaker creates a closed breaker. Zero config values fall back to a
// threshold of 5, a one-minute window and a 30s recovery timeout.
func NewBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	metrics.BreakerState.Set(0)
	return &Breaker{cfg: cfg, now: now, state: models.CircuitClosed}
}

// Allow reports whether a durable write may be attempted. While OPEN it
// returns false until the recovery timeout elapses, then moves to HALF_OPEN
// and admits exactly one probe. Further calls are refused until the probe
// outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.CircuitClosed:
		return true
	case models.CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.transition(models.CircuitHalfOpen)
		b.probing = true
		return true
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// RecordSuccess resets the failure count. A successful probe closes the
// circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.windowStart = time.Time{}
	if b.state == models.CircuitHalfOpen {
		b.probing = false
		b.transition(models.CircuitClosed)
	}
}

// RecordFailure counts a failed durable attempt. A failed probe reopens the
// circuit and restarts the recovery timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailureAt = now

	switch b.state {
	case models.CircuitHalfOpen:
		b.probing = false
		b.open(now)
	case models.CircuitClosed:
		if b.failures == 0 || now.Sub(b.windowStart) > b.cfg.Window {
			b.failures = 0
			b.windowStart = now
		}
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.open(now)
		}
	}
}

// OnTransition registers fn to be told about every state change. fn runs
// with the breaker locked and must not block or call back into the breaker.
func (b *Breaker) OnTransition(fn func(from, to models.CircuitState, snap models.BreakerSnapshot)) {
	b.mu.Lock()
	b.observer = fn
	b.mu.Unlock()
}

// State returns the current state.
func (b *Breaker) State() models.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a consistent view of the breaker.
func (b *Breaker) Snapshot() models.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) snapshotLocked() models.BreakerSnapshot {
	return models.BreakerSnapshot{
		State:           b.state,
		FailureCount:    b.failures,
		Threshold:       b.cfg.Threshold,
		Window:          b.cfg.Window,
		RecoveryTimeout: b.cfg.RecoveryTimeout,
		LastFailureAt:   b.lastFailureAt,
		OpenedAt:        b.openedAt,
		ProbeInFlight:   b.probing,
	}
}

func (b *Breaker) open(now time.Time) {
	b.openedAt = now
	b.transition(models.CircuitOpen)
}

// transition must be called with mu held.
func (b *Breaker) transition(to models.CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == models.CircuitClosed {
		b.failures = 0
		b.windowStart = time.Time{}
	}
	metrics.SetBreakerState(to)

	ev := log.Info()
	if to == models.CircuitOpen {
		ev = log.Warn()
	}
	ev.Str("from", string(from)).Str("to", string(to)).
		Int("failures", b.failures).
		Dur("recovery_timeout", b.cfg.RecoveryTimeout).
		Msg("⚡ Durable store circuit transition")

	if b.observer != nil {
		b.observer(from, to, b.snapshotLocked())
	}
}
