package sessions_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/toolgate/internal/sessions"
	"github.com/agentoven/toolgate/pkg/models"
	"github.com/stretchr/testify/require"
)

func TestCallKey_Normalized(t *testing.T) {
	a, err := sessions.CallKey("chat", "s1", json.RawMessage(`{"a":1,"b":[1,2]}`))
	require.NoError(t, err)
	b, err := sessions.CallKey("chat", "s1", json.RawMessage("{ \"b\": [1, 2],\n \"a\": 1 }"))
	require.NoError(t, err)
	require.Equal(t, a, b)

	other, _ := sessions.CallKey("chat", "s2", json.RawMessage(`{"a":1,"b":[1,2]}`))
	require.NotEqual(t, a, other)
	tool, _ := sessions.CallKey("debug", "s1", json.RawMessage(`{"a":1,"b":[1,2]}`))
	require.NotEqual(t, a, tool)

	_, err = sessions.CallKey("chat", "s1", json.RawMessage(`{`))
	require.ErrorIs(t, err, models.ErrInvalidArguments)
	_, err = sessions.CallKey("chat", "s1", json.RawMessage(`{} {}`))
	require.ErrorIs(t, err, models.ErrInvalidArguments)
}

func TestCallKey_NumbersKeepPrecision(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"integers past 2^53", `{"id":9007199254740993}`, `{"id":9007199254740992}`},
		{"decimals past float64 precision", `{"x":0.10000000000000000001}`, `{"x":0.1}`},
		{"nested", `{"ids":[18446744073709551615]}`, `{"ids":[18446744073709551614]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := sessions.CallKey("chat", "s1", json.RawMessage(tt.a))
			require.NoError(t, err)
			b, err := sessions.CallKey("chat", "s1", json.RawMessage(tt.b))
			require.NoError(t, err)
			require.NotEqual(t, a, b, "%s and %s share a call key", tt.a, tt.b)
		})
	}

	same, _ := sessions.CallKey("chat", "s1", json.RawMessage(`{"b":9007199254740993, "a":1}`))
	again, _ := sessions.CallKey("chat", "s1", json.RawMessage(`{"a":1,"b":9007199254740993}`))
	require.Equal(t, same, again)
}

func TestDo_ConcurrentDuplicatesShareOneExecution(t *testing.T) {
	const callers = 8
	m, _ := newTestManager(t, sessions.Limits{})
	key, _ := sessions.CallKey("chat", "s", json.RawMessage(`{"prompt":"hi"}`))

	var executions atomic.Int32
	gate := make(chan struct{})
	fn := func(context.Context) ([]byte, error) {
		executions.Add(1)
		<-gate
		return []byte(`{"answer":42}`), nil
	}

	results := make([][]byte, callers)
	shared := make([]bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, sh, err := m.Do(context.Background(), key, "s", "chat", fn)
			if err != nil {
				t.Errorf("Do() error = %v", err)
			}
			results[i], shared[i] = res, sh
		}(i)
	}

	// Hold the execution open until every caller has attached.
	require.Eventually(t, func() bool {
		e, ok := m.Lookup(key)
		return ok && e.Waiters == callers-1
	}, 2*time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	require.Equal(t, int32(1), executions.Load())
	owners := 0
	for i := range results {
		require.Equal(t, `{"answer":42}`, string(results[i]))
		if !shared[i] {
			owners++
		}
	}
	require.Equal(t, 1, owners)
}

func TestDo_CompletedResultCachedForTTL(t *testing.T) {
	m, clock := newTestManager(t, sessions.Limits{DedupTTL: time.Minute})
	ctx := context.Background()

	var executions atomic.Int32
	fn := func(context.Context) ([]byte, error) {
		n := executions.Add(1)
		return []byte{byte(n)}, nil
	}

	first, shared, err := m.Do(ctx, "k", "s", "chat", fn)
	require.NoError(t, err)
	require.False(t, shared)

	second, shared, err := m.Do(ctx, "k", "s", "chat", fn)
	require.NoError(t, err)
	require.True(t, shared)
	require.Equal(t, first, second)

	clock.Advance(time.Minute)
	third, shared, err := m.Do(ctx, "k", "s", "chat", fn)
	require.NoError(t, err)
	require.False(t, shared)
	require.NotEqual(t, first, third)
	require.Equal(t, int32(2), executions.Load())
}

func TestDo_ErrorCachedBriefly(t *testing.T) {
	m, clock := newTestManager(t, sessions.Limits{ErrorTTL: 2 * time.Second})
	ctx := context.Background()
	boom := errors.New("upstream 503")

	var executions atomic.Int32
	fn := func(context.Context) ([]byte, error) {
		executions.Add(1)
		return nil, boom
	}

	_, _, err := m.Do(ctx, "k", "s", "chat", fn)
	require.ErrorIs(t, err, boom)
	_, shared, err := m.Do(ctx, "k", "s", "chat", fn)
	require.ErrorIs(t, err, boom)
	require.True(t, shared)
	require.Equal(t, int32(1), executions.Load())

	e, ok := m.Lookup("k")
	require.True(t, ok)
	require.Equal(t, models.CallError, e.Status)

	clock.Advance(2 * time.Second)
	_, _, err = m.Do(ctx, "k", "s", "chat", fn)
	require.ErrorIs(t, err, boom)
	require.Equal(t, int32(2), executions.Load())
}

func TestDo_WaiterDetachesWithoutCancellingCall(t *testing.T) {
	m, _ := newTestManager(t, sessions.Limits{})
	gate := make(chan struct{})
	var sawCancel atomic.Bool
	fn := func(ctx context.Context) ([]byte, error) {
		<-gate
		if ctx.Err() != nil {
			sawCancel.Store(true)
		}
		return []byte("done"), nil
	}

	ownerCtx, cancelOwner := context.WithCancel(context.Background())
	ownerErr := make(chan error, 1)
	go func() {
		_, _, err := m.Do(ownerCtx, "k", "s", "chat", fn)
		ownerErr <- err
	}()
	require.Eventually(t, func() bool {
		_, ok := m.Lookup("k")
		return ok
	}, time.Second, time.Millisecond)

	// A waiter that gives up detaches.
	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := m.Do(waitCtx, "k", "s", "chat", fn)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// So does the original caller, yet the execution carries on.
	cancelOwner()
	require.ErrorIs(t, <-ownerErr, context.Canceled)

	close(gate)
	res, shared, err := m.Do(context.Background(), "k", "s", "chat", fn)
	require.NoError(t, err)
	require.True(t, shared)
	require.Equal(t, "done", string(res))
	require.False(t, sawCancel.Load())
}

func TestDo_PanicBecomesError(t *testing.T) {
	m, _ := newTestManager(t, sessions.Limits{})
	_, _, err := m.Do(context.Background(), "k", "s", "chat", func(context.Context) ([]byte, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")
}

func TestGetOrAttach_CompleteAndFailOnce(t *testing.T) {
	m, _ := newTestManager(t, sessions.Limits{})

	isNew, c := m.GetOrAttach("k", "s", "chat")
	require.True(t, isNew)
	c.Complete([]byte("first"))
	c.Fail(errors.New("late"))

	res, err := c.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first", string(res))
	require.Equal(t, models.CallComplete, c.View().Status)

	isNew, again := m.GetOrAttach("k", "s", "chat")
	require.False(t, isNew)
	require.Equal(t, c.Key(), again.Key())
}

func TestSweep_DropsExpiredCalls(t *testing.T) {
	m, clock := newTestManager(t, sessions.Limits{DedupTTL: time.Minute})
	m.Ensure("s")

	_, c := m.GetOrAttach("k", "s", "chat")
	c.Complete(nil)
	sess, _ := m.Get("s")
	require.Equal(t, 1, sess.CallKeys)

	clock.Advance(2 * time.Minute)
	stats := m.Sweep(context.Background())
	require.Equal(t, 1, stats.CallsExpired)

	_, ok := m.Lookup("k")
	require.False(t, ok)
	sess, _ = m.Get("s")
	require.Equal(t, 0, sess.CallKeys)
}

func TestAbandon_WakesWaitersAndCachesNothing(t *testing.T) {
	m, _ := newTestManager(t, sessions.Limits{ErrorTTL: time.Minute})
	m.Ensure("s")

	isNew, owner := m.GetOrAttach("k", "s", "chat")
	require.True(t, isNew)
	_, waiter := m.GetOrAttach("k", "s", "chat")

	refused := errors.New("no capacity")
	m.Abandon(owner, refused)

	_, err := waiter.Wait(context.Background())
	require.ErrorIs(t, err, refused)
	_, ok := m.Lookup("k")
	require.False(t, ok)
	sess, _ := m.Get("s")
	require.Zero(t, sess.CallKeys)

	isNew, _ = m.GetOrAttach("k", "s", "chat")
	require.True(t, isNew, "an abandoned call must not be served from cache")
}

func TestRun_FinishesOwnedCall(t *testing.T) {
	m, _ := newTestManager(t, sessions.Limits{})

	isNew, c := m.GetOrAttach("k", "s", "chat")
	require.True(t, isNew)
	m.Run(context.Background(), c, func(context.Context) ([]byte, error) {
		return []byte("done"), nil
	})

	res, err := c.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", string(res))
}
