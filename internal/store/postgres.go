package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentoven/toolgate/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore keeps payloads in a single bytea table. Rows carry their
// own expiry; Get treats an expired row as missing and Delete removes it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against dsn, pings it and creates the
// payload table if it does not exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate payload table: %w", err)
	}

	log.Info().Str("host", cfg.ConnConfig.Host).Str("database", cfg.ConnConfig.Database).Msg("PostgreSQL payload store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transport_payloads (
			id         TEXT PRIMARY KEY,
			data       BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS transport_payloads_expires_idx
			ON transport_payloads (expires_at);
	`)
	return err
}

func (s *PostgresStore) Kind() string { return "postgres" }

func (s *PostgresStore) Put(ctx context.Context, data []byte, ttl time.Duration) (string, error) {
	id := uuid.New().String()
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transport_payloads (id, data, expires_at) VALUES ($1, $2, $3)`,
		id, data, expiresAt)
	if err != nil {
		return "", fmt.Errorf("insert payload: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM transport_payloads
		 WHERE id = $1 AND (expires_at IS NULL OR expires_at > now())`,
		id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.ErrNotFound{Entity: "payload", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("select payload: %w", err)
	}
	return data, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM transport_payloads WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete payload: %w", err)
	}
	return nil
}

// PurgeExpired deletes rows whose expiry has passed and returns how many
// were removed.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transport_payloads WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired payloads: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
