package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		idempotency_key TEXT PRIMARY KEY,
		handler_name    TEXT NOT NULL,
		fingerprint     TEXT NOT NULL,
		status          TEXT NOT NULL,
		result          JSONB,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL,
		expires_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idempotency_keys_expires_idx ON idempotency_keys (expires_at)`,
}

// PGStore keeps entries in PostgreSQL so every API replica shares them
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a store over pool. Call Migrate before use.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Migrate creates the idempotency_keys table
func (s *PGStore) Migrate(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate idempotency keys: %w", err)
		}
	}
	return nil
}

// Get returns the live entry for key
func (s *PGStore) Get(ctx context.Context, key string) (*Entry, error) {
	query := `
		SELECT idempotency_key, handler_name, fingerprint, status, result, created_at, updated_at, expires_at
		FROM idempotency_keys
		WHERE idempotency_key = $1 AND expires_at > NOW()
	`

	var e Entry
	var status string
	var result []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&e.Key, &e.Handler, &e.Fingerprint, &status,
		&result, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.Status = Status(status)
	e.Result = result
	return &e, nil
}

// Start claims key, taking over a RECOVERABLE or expired row
func (s *PGStore) Start(ctx context.Context, e Entry) error {
	query := `
		INSERT INTO idempotency_keys
			(idempotency_key, handler_name, fingerprint, status, result, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, NULL, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET handler_name = EXCLUDED.handler_name,
			fingerprint = EXCLUDED.fingerprint,
			status = EXCLUDED.status,
			result = NULL,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.status = 'RECOVERABLE'
		   OR idempotency_keys.expires_at <= EXCLUDED.updated_at
		RETURNING idempotency_key
	`

	var returned string
	err := s.pool.QueryRow(ctx, query,
		e.Key, e.Handler, e.Fingerprint, string(e.Status), e.CreatedAt, e.UpdatedAt, e.ExpiresAt,
	).Scan(&returned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// SetStatus records an attempt's outcome
func (s *PGStore) SetStatus(ctx context.Context, key string, status Status, result json.RawMessage, at time.Time) error {
	var payload []byte
	if len(result) > 0 {
		payload = result
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_keys
		SET status = $1, result = $2, updated_at = $3
		WHERE idempotency_key = $4
	`, string(status), payload, at, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired removes rows expired at now
func (s *PGStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
