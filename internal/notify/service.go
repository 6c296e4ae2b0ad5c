// Package notify posts operational alerts to webhook endpoints.
//
// Two kinds of events are published: provider health changes reported to
// the registry, and durable-store circuit transitions. Each webhook receives
// the event as JSON, optionally signed with HMAC-SHA256, and delivery is
// retried with exponential backoff. Delivery never blocks the caller.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agentoven/toolgate/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// ── Event types ─────────────────────────────────────────────

// EventType describes what happened.
type EventType string

const (
	EventProviderHealth EventType = "provider_health"
	EventCircuitChange  EventType = "circuit_transition"
)

// Event is the webhook payload.
type Event struct {
	Type      EventType      `json:"type"`
	Subject   string         `json:"subject"` // provider name or "durable_store"
	From      string         `json:"from"`
	To        string         `json:"to"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// HealthEvent converts a registry health change.
func HealthEvent(ev models.HealthEvent) Event {
	return Event{
		Type:      EventProviderHealth,
		Subject:   ev.Provider,
		From:      string(ev.Old),
		To:        string(ev.New),
		Timestamp: ev.At.UTC(),
	}
}

// CircuitEvent converts a breaker transition.
func CircuitEvent(from, to models.CircuitState, snap models.BreakerSnapshot) Event {
	return Event{
		Type:    EventCircuitChange,
		Subject: "durable_store",
		From:    string(from),
		To:      string(to),
		Payload: map[string]any{
			"failure_count":    snap.FailureCount,
			"threshold":        snap.Threshold,
			"recovery_timeout": snap.RecoveryTimeout.String(),
		},
		Timestamp: time.Now().UTC(),
	}
}

// ── Service ──────────────────────────────────────────────────

// Options configures a Service.
type Options struct {
	URLs    []string
	Secret  string // HMAC-SHA256 key; empty disables signing
	Timeout time.Duration
	// MaxElapsed bounds the retry window per webhook.
	MaxElapsed time.Duration
}

// Service dispatches events to every configured webhook.
type Service struct {
	urls       []string
	secret     []byte
	client     *http.Client
	maxElapsed time.Duration

	wg sync.WaitGroup
}

// NewService creates a notifier. With no URLs Notify is a no-op.
func NewService(opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	return &Service{
		urls:       opts.URLs,
		secret:     []byte(opts.Secret),
		client:     &http.Client{Timeout: opts.Timeout},
		maxElapsed: opts.MaxElapsed,
	}
}

// Enabled reports whether any webhook is configured.
func (s *Service) Enabled() bool { return len(s.urls) > 0 }

// Notify queues delivery of ev to every webhook and returns immediately.
func (s *Service) Notify(ev Event) {
	if !s.Enabled() {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("event", string(ev.Type)).Msg("Failed to marshal alert")
		return
	}
	for _, url := range s.urls {
		s.wg.Add(1)
		go func(url string) {
			defer s.wg.Done()
			if err := s.send(context.Background(), url, ev, body); err != nil {
				log.Warn().Err(err).Str("url", url).Str("event", string(ev.Type)).Msg("Alert webhook failed")
				return
			}
			log.Debug().Str("url", url).Str("event", string(ev.Type)).Str("subject", ev.Subject).Msg("Alert delivered")
		}(url)
	}
}

// Wait blocks until every queued delivery has finished or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Webhook Transport ────────────────────────────────────────

func (s *Service) send(ctx context.Context, url string, ev Event, body []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = s.maxElapsed

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Toolgate-Webhook/1.0")
		req.Header.Set("X-Toolgate-Event", string(ev.Type))
		if len(s.secret) > 0 {
			req.Header.Set("X-Toolgate-Signature", "sha256="+Sign(s.secret, body))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, url))
		}
		return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, url)
	}
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
