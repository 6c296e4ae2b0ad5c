// Package store provides the durable payload store used by the transport
// layer to move oversized payloads off the primary channel.
//
// All transport code depends on the Driver interface, so the in-memory
// implementation (tests, single-node) and the Redis and PostgreSQL
// implementations (production) are interchangeable.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/agentoven/toolgate/internal/config"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Driver stores opaque payload bytes.
type Driver interface {
	// Kind names the backend ("memory", "redis", "postgres").
	Kind() string

	// Put stores data and returns its id. A positive ttl lets the backend
	// expire the payload on its own; the transport sweep deletes it anyway.
	Put(ctx context.Context, data []byte, ttl time.Duration) (string, error)

	// Get returns the payload for id or *models.ErrNotFound.
	Get(ctx context.Context, id string) ([]byte, error)

	// Delete removes a payload. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the driver.
	Close() error
}

// Open builds the driver selected by cfg.Backend. Network backends are
// dialled with a short exponential retry so a store that is still starting
// does not fail the whole process.
func Open(ctx context.Context, cfg config.TransportConfig) (Driver, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis backend selected but REDIS_URL is empty")
		}
		return connect(ctx, "redis", func(ctx context.Context) (Driver, error) {
			return NewRedisStore(ctx, cfg.RedisURL)
		})
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend selected but DATABASE_URL is empty")
		}
		return connect(ctx, "postgres", func(ctx context.Context) (Driver, error) {
			return NewPostgresStore(ctx, cfg.PostgresURL)
		})
	}
	return nil, fmt.Errorf("unknown durable backend %q", cfg.Backend)
}

func connect(ctx context.Context, kind string, dial func(context.Context) (Driver, error)) (Driver, error) {
	var d Driver
	attempt := 0
	op := func() error {
		attempt++
		var err error
		d, err = dial(ctx)
		if err != nil {
			log.Warn().Err(err).Str("backend", kind).Int("attempt", attempt).Msg("Durable store not reachable yet")
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("connect %s durable store: %w", kind, err)
	}
	log.Info().Str("backend", kind).Msg("💾 Durable store connected")
	return d, nil
}
