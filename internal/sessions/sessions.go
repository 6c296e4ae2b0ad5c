// Package sessions bounds concurrency per session, per provider and globally,
// deduplicates identical in-flight calls and evicts idle sessions.
//
// Permits are acquired session → provider → global, each with a bounded wait,
// and released in reverse. Session state lives behind a per-session mutex and
// call entries behind sharded locks; nothing takes a lock across all sessions
// on the request path.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentoven/toolgate/internal/metrics"
	"github.com/agentoven/toolgate/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Limits configures the manager.
type Limits struct {
	Session           int
	Provider          int
	ProviderOverrides map[string]int
	Global            int
	AcquireTimeout    time.Duration
	IdleTimeout       time.Duration
	DedupTTL          time.Duration
	ErrorTTL          time.Duration
}

func (l *Limits) applyDefaults() {
	if l.Session <= 0 {
		l.Session = 4
	}
	if l.Provider <= 0 {
		l.Provider = 8
	}
	if l.Global <= 0 {
		l.Global = 32
	}
	if l.AcquireTimeout <= 0 {
		l.AcquireTimeout = 5 * time.Second
	}
	if l.IdleTimeout <= 0 {
		l.IdleTimeout = 30 * time.Minute
	}
	if l.DedupTTL <= 0 {
		l.DedupTTL = time.Minute
	}
	if l.ErrorTTL <= 0 {
		l.ErrorTTL = 2 * time.Second
	}
}

type session struct {
	id  string
	sem *semaphore.Weighted

	mu         sync.Mutex
	state      models.SessionState
	createdAt  time.Time
	lastActive time.Time
	permits    map[*Permit]struct{}
	callKeys   map[string]struct{}
}

func (s *session) view(idle time.Duration) models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.Session{
		ID:           s.id,
		State:        s.state,
		CreatedAt:    s.createdAt,
		LastActiveAt: s.lastActive,
		PermitsInUse: len(s.permits),
		IdleTimeout:  idle,
		CallKeys:     len(s.callKeys),
	}
}

// Manager is the session and concurrency manager.
type Manager struct {
	limits Limits
	now    func() time.Time

	global *semaphore.Weighted

	provMu    sync.Mutex
	providers map[string]*semaphore.Weighted

	mu       sync.RWMutex
	sessions map[string]*session

	calls *callTable
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for idleness and TTLs.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager with the given limits.
func NewManager(limits Limits, opts ...Option) *Manager {
	limits.applyDefaults()
	m := &Manager{
		limits:    limits,
		now:       time.Now,
		global:    semaphore.NewWeighted(int64(limits.Global)),
		providers: make(map[string]*semaphore.Weighted),
		sessions:  make(map[string]*session),
	}
	for _, o := range opts {
		o(m)
	}
	m.calls = newCallTable(m)
	return m
}

// Limits returns the effective limits.
func (m *Manager) Limits() Limits { return m.limits }

// ── Sessions ─────────────────────────────────────────────────

// Ensure returns the session with the given id, creating it if needed. An
// empty id gets a fresh one. Ensure is idempotent.
func (m *Manager) Ensure(id string) (models.Session, bool) {
	s, created := m.ensure(id)
	return s.view(m.limits.IdleTimeout), created
}

func (m *Manager) ensure(id string) (*session, bool) {
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, false
	}
	now := m.now()
	s = &session{
		id:         id,
		sem:        semaphore.NewWeighted(int64(m.limits.Session)),
		state:      models.SessionCreated,
		createdAt:  now,
		lastActive: now,
		permits:    make(map[*Permit]struct{}),
		callKeys:   make(map[string]struct{}),
	}
	m.sessions[id] = s
	metrics.ActiveSessions.Inc()
	log.Debug().Str("session", id).Msg("Session created")
	return s, true
}

// Get returns a view of a live session.
func (m *Manager) Get(id string) (models.Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return models.Session{}, &models.ErrNotFound{Entity: "session", Key: id}
	}
	return s.view(m.limits.IdleTimeout), nil
}

// List returns views of every live session.
func (m *Manager) List() []models.Session {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]models.Session, 0, len(all))
	for _, s := range all {
		out = append(out, s.view(m.limits.IdleTimeout))
	}
	return out
}

// ── Admission ────────────────────────────────────────────────

// Permit is one admitted call's hold on the session, provider and global
// semaphores. Release is idempotent.
type Permit struct {
	SessionID  string
	Provider   string
	CallKey    string
	AcquiredAt time.Time

	sess    *session
	provSem *semaphore.Weighted
	global  *semaphore.Weighted
	once    sync.Once
}

// Release returns the permits in reverse acquisition order. Releasing a
// permit already reclaimed by eviction does nothing.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.sess.mu.Lock()
	delete(p.sess.permits, p)
	p.sess.mu.Unlock()
	p.release()
}

func (p *Permit) release() {
	p.once.Do(func() {
		p.global.Release(1)
		if p.provSem != nil {
			p.provSem.Release(1)
		}
		p.sess.sem.Release(1)
	})
}

func (m *Manager) providerSem(provider string) *semaphore.Weighted {
	if provider == "" {
		return nil
	}
	m.provMu.Lock()
	defer m.provMu.Unlock()
	sem, ok := m.providers[provider]
	if !ok {
		limit := m.limits.Provider
		if n, ok := m.limits.ProviderOverrides[provider]; ok && n > 0 {
			limit = n
		}
		sem = semaphore.NewWeighted(int64(limit))
		m.providers[provider] = sem
	}
	return sem
}

// Admit acquires a permit for one call. provider may be empty for tools that
// run locally, which skips the provider semaphore. Each acquisition waits at
// most the configured acquire timeout; on timeout everything already held is
// released and an *OverCapacityError is returned. Cancelling ctx returns
// ctx.Err().
func (m *Manager) Admit(ctx context.Context, sessionID, provider, callKey string) (*Permit, error) {
	start := m.now()
	s, _ := m.ensure(sessionID)

	if err := m.acquire(ctx, s.sem, "session", s.id); err != nil {
		return nil, err
	}
	provSem := m.providerSem(provider)
	if provSem != nil {
		if err := m.acquire(ctx, provSem, "provider", provider); err != nil {
			s.sem.Release(1)
			return nil, err
		}
	}
	if err := m.acquire(ctx, m.global, "global", "global"); err != nil {
		if provSem != nil {
			provSem.Release(1)
		}
		s.sem.Release(1)
		return nil, err
	}

	p := &Permit{
		SessionID:  s.id,
		Provider:   provider,
		CallKey:    callKey,
		AcquiredAt: m.now(),
		sess:       s,
		provSem:    provSem,
		global:     m.global,
	}

	s.mu.Lock()
	if s.state == models.SessionEvicted {
		s.mu.Unlock()
		p.release()
		metrics.Admissions.WithLabelValues("over_capacity", "session").Inc()
		return nil, &models.OverCapacityError{Scope: "session", Name: s.id, RetryAfter: 0}
	}
	if s.state != models.SessionActive {
		log.Debug().Str("session", s.id).Str("from", string(s.state)).Msg("Session active")
	}
	s.state = models.SessionActive
	s.lastActive = p.AcquiredAt
	s.permits[p] = struct{}{}
	s.mu.Unlock()

	metrics.Admissions.WithLabelValues("admitted", "").Inc()
	metrics.AdmissionWait.Observe(p.AcquiredAt.Sub(start).Seconds())
	return p, nil
}

func (m *Manager) acquire(ctx context.Context, sem *semaphore.Weighted, scope, name string) error {
	waitCtx, cancel := context.WithTimeout(ctx, m.limits.AcquireTimeout)
	defer cancel()
	err := sem.Acquire(waitCtx, 1)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		metrics.Admissions.WithLabelValues("cancelled", scope).Inc()
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.Admissions.WithLabelValues("over_capacity", scope).Inc()
		log.Warn().Str("scope", scope).Str("name", name).Dur("waited", m.limits.AcquireTimeout).Msg("⏳ Admission timed out")
		return &models.OverCapacityError{Scope: scope, Name: name, RetryAfter: m.limits.AcquireTimeout}
	}
	return err
}

// ── Idle Eviction ────────────────────────────────────────────

// SweepStats summarises one sweep.
type SweepStats struct {
	Idled        int
	Evicted      int
	CallsExpired int
}

// Sweep advances idle sessions: a session with no admitted call within the
// idle timeout becomes IDLE, and a session still IDLE at the next sweep is
// evicted. Expired call entries are dropped in the same pass.
func (m *Manager) Sweep(_ context.Context) SweepStats {
	now := m.now()
	var stats SweepStats

	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		s.mu.Lock()
		inactive := now.Sub(s.lastActive) > m.limits.IdleTimeout
		state := s.state
		if inactive && (state == models.SessionCreated || state == models.SessionActive) {
			s.state = models.SessionIdle
			stats.Idled++
		}
		s.mu.Unlock()

		if inactive && state == models.SessionIdle {
			if m.evict(s, "idle") {
				stats.Evicted++
			}
		}
	}

	stats.CallsExpired = m.calls.sweep(now)
	if stats.Idled+stats.Evicted+stats.CallsExpired > 0 {
		log.Debug().
			Int("idled", stats.Idled).
			Int("evicted", stats.Evicted).
			Int("calls_expired", stats.CallsExpired).
			Msg("Session sweep")
	}
	return stats
}

// Evict removes a session immediately, releasing every permit it holds and
// dropping its call entries.
func (m *Manager) Evict(id string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return &models.ErrNotFound{Entity: "session", Key: id}
	}
	m.evict(s, "explicit")
	return nil
}

func (m *Manager) evict(s *session, reason string) bool {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; !ok || cur != s {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, s.id)
	m.mu.Unlock()

	s.mu.Lock()
	s.state = models.SessionEvicted
	held := make([]*Permit, 0, len(s.permits))
	for p := range s.permits {
		held = append(held, p)
	}
	s.permits = make(map[*Permit]struct{})
	keys := make([]string, 0, len(s.callKeys))
	for k := range s.callKeys {
		keys = append(keys, k)
	}
	s.callKeys = make(map[string]struct{})
	s.mu.Unlock()

	for _, p := range held {
		p.release()
	}
	m.calls.drop(keys)

	metrics.SessionsEvicted.Inc()
	metrics.ActiveSessions.Dec()
	log.Info().
		Str("session", s.id).
		Str("reason", reason).
		Int("permits_released", len(held)).
		Int("calls_dropped", len(keys)).
		Msg("🧹 Session evicted")
	return true
}

func (m *Manager) trackCallKey(sessionID, key string) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.callKeys[key] = struct{}{}
	s.mu.Unlock()
}

func (m *Manager) untrackCallKey(sessionID, key string) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.callKeys, key)
	s.mu.Unlock()
}
