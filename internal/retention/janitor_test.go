package retention_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/toolgate/internal/retention"
)

func TestRunCycle(t *testing.T) {
	j := retention.NewJanitor(time.Minute)
	var calls atomic.Int32

	j.Register("sessions", func(context.Context) (int, error) {
		calls.Add(1)
		return 2, nil
	})
	j.Register("transport", func(context.Context) (int, error) {
		return 0, errors.New("store unreachable")
	})
	j.Register("boom", func(context.Context) (int, error) {
		panic("bad sweep")
	})

	stats := j.RunCycle(context.Background())
	if got := stats.Affected["sessions"]; got != 2 {
		t.Errorf("Affected[sessions] = %d, want 2", got)
	}
	if len(stats.Errors) != 2 {
		t.Errorf("len(Errors) = %d, want 2", len(stats.Errors))
	}
	if calls.Load() != 1 {
		t.Errorf("sessions sweep ran %d times, want 1", calls.Load())
	}
}

func TestRegister_ReplacesByName(t *testing.T) {
	j := retention.NewJanitor(time.Minute)
	j.Register("a", func(context.Context) (int, error) { return 1, nil })
	j.Register("a", func(context.Context) (int, error) { return 5, nil })

	if names := j.Names(); len(names) != 1 {
		t.Fatalf("Names() = %v, want one entry", names)
	}
	if got := j.RunCycle(context.Background()).Affected["a"]; got != 5 {
		t.Errorf("Affected[a] = %d, want 5", got)
	}
}

func TestNewJanitor_MinimumInterval(t *testing.T) {
	if got := retention.NewJanitor(0).Interval(); got != retention.DefaultInterval {
		t.Errorf("Interval() = %v, want %v", got, retention.DefaultInterval)
	}
}

func TestStart_RunsImmediatelyAndStops(t *testing.T) {
	j := retention.NewJanitor(time.Hour)
	ran := make(chan struct{}, 1)
	j.Register("once", func(context.Context) (int, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not run on start")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
