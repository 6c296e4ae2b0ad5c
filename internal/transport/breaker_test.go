package transport_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/toolgate/internal/transport"
	"github.com/agentoven/toolgate/pkg/models"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func newTestBreaker(threshold int) (*transport.Breaker, *fakeClock) {
	clock := newFakeClock()
	b := transport.NewBreaker(transport.BreakerConfig{
		Threshold:       threshold,
		Window:          time.Minute,
		RecoveryTimeout: 30 * time.Second,
	}, clock.Now)
	return b, clock
}

func TestBreaker_OpensAtExactlyThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	for i := 1; i < 3; i++ {
		b.RecordFailure()
		if got := b.State(); got != models.CircuitClosed {
			t.Fatalf("after %d failures State() = %s, want closed", i, got)
		}
	}
	b.RecordFailure()
	if got := b.State(); got != models.CircuitOpen {
		t.Fatalf("after 3 failures State() = %s, want open", got)
	}
	if b.Allow() {
		t.Error("Allow() = true while open, want false")
	}
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if got := b.State(); got != models.CircuitClosed {
		t.Errorf("State() = %s, want closed", got)
	}
	if got := b.Snapshot().FailureCount; got != 2 {
		t.Errorf("FailureCount = %d, want 2", got)
	}
}

func TestBreaker_FailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	b, clock := newTestBreaker(3)
	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(2 * time.Minute)
	b.RecordFailure()
	if got := b.State(); got != models.CircuitClosed {
		t.Errorf("State() = %s, want closed", got)
	}
	if got := b.Snapshot().FailureCount; got != 1 {
		t.Errorf("FailureCount = %d, want 1 after the window rolled", got)
	}
}

func TestBreaker_RecoveryProbe(t *testing.T) {
	b, clock := newTestBreaker(1)
	b.RecordFailure()
	require.Equal(t, models.CircuitOpen, b.State())

	clock.Advance(29 * time.Second)
	require.False(t, b.Allow(), "probe allowed before recovery timeout")

	clock.Advance(time.Second)
	require.True(t, b.Allow(), "probe refused after recovery timeout")
	require.Equal(t, models.CircuitHalfOpen, b.State())
	require.False(t, b.Allow(), "second probe allowed in half-open")

	b.RecordSuccess()
	require.Equal(t, models.CircuitClosed, b.State())
	require.Zero(t, b.Snapshot().FailureCount)
	require.True(t, b.Allow())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(1)
	b.RecordFailure()
	clock.Advance(30 * time.Second)
	require.True(t, b.Allow())

	b.RecordFailure()
	require.Equal(t, models.CircuitOpen, b.State())

	// The recovery timer restarted at the failed probe.
	clock.Advance(20 * time.Second)
	require.False(t, b.Allow())
	clock.Advance(10 * time.Second)
	require.True(t, b.Allow())
}

func TestBreaker_ConcurrentHalfOpenAdmitsOneProbe(t *testing.T) {
	b, clock := newTestBreaker(1)
	b.RecordFailure()
	clock.Advance(time.Minute)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), allowed.Load())
}

func TestBreaker_OnTransitionSeesEveryChange(t *testing.T) {
	b, clock := newTestBreaker(1)
	var seen []string
	b.OnTransition(func(from, to models.CircuitState, snap models.BreakerSnapshot) {
		if snap.State != to {
			t.Errorf("snapshot state = %s, want %s", snap.State, to)
		}
		seen = append(seen, string(from)+"->"+string(to))
	})

	b.RecordFailure()
	clock.Advance(31 * time.Second)
	require.True(t, b.Allow())
	b.RecordSuccess()

	require.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, seen)
}
