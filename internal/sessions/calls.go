package sessions

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/agentoven/toolgate/internal/metrics"
	"github.com/agentoven/toolgate/pkg/models"
	"github.com/rs/zerolog/log"
)

// CallKey derives the deduplication key for a call. Arguments are
// normalised by decoding and re-encoding them, which sorts object keys and
// strips insignificant whitespace. Numbers keep their literal text so values
// beyond float64 precision stay distinct.
func CallKey(tool, sessionID string, args json.RawMessage) (string, error) {
	normalized := []byte("null")
	if len(args) > 0 {
		dec := json.NewDecoder(bytes.NewReader(args))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return "", fmt.Errorf("%w: arguments are not valid JSON: %v", models.ErrInvalidArguments, err)
		}
		if dec.More() {
			return "", fmt.Errorf("%w: arguments hold more than one JSON value", models.ErrInvalidArguments)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("normalize arguments: %w", err)
		}
		normalized = b
	}

	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write(normalized)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Call is a handle on a deduplicated call entry. The caller that created it
// (GetOrAttach returned isNew) must finish it with Complete or Fail; every
// caller may Wait on it.
type Call struct {
	table *callTable

	key       string
	sessionID string
	tool      string
	createdAt time.Time
	done      chan struct{}

	mu          sync.Mutex
	status      models.CallStatus
	result      []byte
	err         error
	completedAt time.Time
	ttl         time.Duration
	waiters     int
}

// Key returns the call key.
func (c *Call) Key() string { return c.key }

// View returns a snapshot of the entry.
func (c *Call) View() models.CallEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := models.CallEntry{
		Key:         c.key,
		SessionID:   c.sessionID,
		ToolName:    c.tool,
		Status:      c.status,
		Result:      c.result,
		CreatedAt:   c.createdAt,
		CompletedAt: c.completedAt,
		TTL:         c.ttl,
		Waiters:     c.waiters,
	}
	if c.err != nil {
		e.Err = c.err.Error()
	}
	return e
}

// Complete records a successful result, caches it for the dedup TTL and
// wakes every waiter. Only the first Complete or Fail takes effect.
func (c *Call) Complete(result []byte) {
	c.finish(models.CallComplete, result, nil, c.table.m.limits.DedupTTL)
}

// Fail records an error and caches it briefly so retries arriving right
// behind it do not stampede upstream.
func (c *Call) Fail(err error) {
	if err == nil {
		err = errors.New("call failed")
	}
	c.finish(models.CallError, nil, err, c.table.m.limits.ErrorTTL)
}

func (c *Call) finish(status models.CallStatus, result []byte, err error, ttl time.Duration) {
	c.mu.Lock()
	if c.status != models.CallInProgress {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.result = result
	c.err = err
	c.ttl = ttl
	c.completedAt = c.table.m.now()
	c.mu.Unlock()
	close(c.done)
}

// Wait blocks until the call finishes or ctx ends. A waiter whose ctx ends
// is detached; the call itself keeps running.
func (c *Call) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result, c.err
	case <-ctx.Done():
		c.mu.Lock()
		if c.waiters > 0 {
			c.waiters--
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Call) expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status != models.CallInProgress && now.Sub(c.completedAt) >= c.ttl
}

// ── Call Table ───────────────────────────────────────────────

const callShards = 32

type callShard struct {
	mu    sync.Mutex
	calls map[string]*Call
}

type callTable struct {
	m      *Manager
	shards [callShards]callShard
}

func newCallTable(m *Manager) *callTable {
	t := &callTable{m: m}
	for i := range t.shards {
		t.shards[i].calls = make(map[string]*Call)
	}
	return t
}

func (t *callTable) shard(key string) *callShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &t.shards[h.Sum32()%callShards]
}

func (t *callTable) sweep(now time.Time) int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		var gone []*Call
		sh.mu.Lock()
		for k, c := range sh.calls {
			if c.expired(now) {
				delete(sh.calls, k)
				gone = append(gone, c)
			}
		}
		sh.mu.Unlock()
		for _, c := range gone {
			t.m.untrackCallKey(c.sessionID, c.key)
		}
		n += len(gone)
	}
	return n
}

func (t *callTable) drop(keys []string) {
	for _, k := range keys {
		sh := t.shard(k)
		sh.mu.Lock()
		delete(sh.calls, k)
		sh.mu.Unlock()
	}
}

// GetOrAttach returns the live entry for key, or creates one. isNew reports
// whether the caller owns the new entry and must run the call. Completed
// entries are returned until their TTL lapses, after which a new entry
// replaces them.
func (m *Manager) GetOrAttach(key, sessionID, tool string) (isNew bool, c *Call) {
	sh := m.calls.shard(key)
	now := m.now()

	sh.mu.Lock()
	if existing, ok := sh.calls[key]; ok && !existing.expired(now) {
		existing.mu.Lock()
		existing.waiters++
		status := existing.status
		existing.mu.Unlock()
		sh.mu.Unlock()
		metrics.DedupHits.WithLabelValues(string(status)).Inc()
		log.Debug().Str("call_key", key).Str("status", string(status)).Msg("Attached to existing call")
		return false, existing
	}

	c = &Call{
		table:     m.calls,
		key:       key,
		sessionID: sessionID,
		tool:      tool,
		createdAt: now,
		done:      make(chan struct{}),
		status:    models.CallInProgress,
	}
	sh.calls[key] = c
	sh.mu.Unlock()

	m.trackCallKey(sessionID, key)
	return true, c
}

// Lookup returns the entry for key if one is live.
func (m *Manager) Lookup(key string) (models.CallEntry, bool) {
	sh := m.calls.shard(key)
	sh.mu.Lock()
	c, ok := sh.calls[key]
	sh.mu.Unlock()
	if !ok || c.expired(m.now()) {
		return models.CallEntry{}, false
	}
	return c.View(), true
}

// Do runs fn at most once per live call key. Concurrent callers with the
// same key share one execution and its result. fn runs on its own goroutine
// with a context detached from the caller's cancellation, so a caller that
// gives up never aborts the execution other callers are waiting on; fn is
// expected to bound itself with its own timeout.
func (m *Manager) Do(ctx context.Context, key, sessionID, tool string, fn func(context.Context) ([]byte, error)) (result []byte, shared bool, err error) {
	isNew, c := m.GetOrAttach(key, sessionID, tool)
	if isNew {
		m.Run(ctx, c, fn)
	}
	result, err = c.Wait(ctx)
	return result, !isNew, err
}

// Run starts fn for an entry the caller owns. The entry is finished with
// fn's outcome; a panic in fn fails it.
func (m *Manager) Run(ctx context.Context, c *Call, fn func(context.Context) ([]byte, error)) {
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("call_key", c.key).Msg("❌ Tool execution panicked")
				c.Fail(fmt.Errorf("tool %s panicked: %v", c.tool, r))
			}
		}()
		res, err := fn(runCtx)
		if err != nil {
			c.Fail(err)
			return
		}
		c.Complete(res)
	}()
}

// Abandon drops an entry its owner will never run and wakes anyone already
// attached with err. Unlike Fail, nothing is cached, so the next identical
// call starts fresh.
func (m *Manager) Abandon(c *Call, err error) {
	sh := m.calls.shard(c.key)
	sh.mu.Lock()
	if sh.calls[c.key] == c {
		delete(sh.calls, c.key)
	}
	sh.mu.Unlock()
	m.untrackCallKey(c.sessionID, c.key)
	if err == nil {
		err = errors.New("call abandoned")
	}
	c.finish(models.CallError, nil, err, 0)
}
