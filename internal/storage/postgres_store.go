package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists key-value pairs in PostgreSQL, one logical tier per
// instance. Two instances over the same *sql.DB (one per tier) give the
// secure/plain split without separate connections.
type PostgresStore struct {
	db   *sql.DB
	tier string
}

// NewPostgresStore creates a PostgreSQL-backed store for the given tier.
func NewPostgresStore(db *sql.DB, tier string) *PostgresStore {
	return &PostgresStore{db: db, tier: tier}
}

// Migrate creates the security_kv table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS security_kv (
			tier       VARCHAR(16) NOT NULL,
			key        VARCHAR(64) NOT NULL,
			value      BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tier, key)
		);
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM security_kv WHERE tier = $1 AND key = $2
	`, s.tier, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", s.tier, key, err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_kv (tier, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tier, key) DO UPDATE SET value = $3, updated_at = NOW()
	`, s.tier, key, value)
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", s.tier, key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM security_kv WHERE tier = $1 AND key = $2
	`, s.tier, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", s.tier, key, err)
	}
	return nil
}
