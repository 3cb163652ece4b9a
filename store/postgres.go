package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres reads credentials from the assistants table.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to dsn and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

// Pool exposes the underlying pool for migrations.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

const selectAPIKey = `SELECT openai_api_key FROM assistants WHERE id = $1`

func (p *Postgres) APIKey(ctx context.Context, assistantID string) (string, error) {
	var key *string
	err := p.pool.QueryRow(ctx, selectAPIKey, assistantID).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query assistant %s: %w", assistantID, err)
	}
	if key == nil || *key == "" {
		return "", ErrNotFound
	}
	return *key, nil
}

// Upsert stores the key for assistantID.
func (p *Postgres) Upsert(ctx context.Context, assistantID, key string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO assistants (id, openai_api_key, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET openai_api_key = EXCLUDED.openai_api_key, updated_at = now()`,
		assistantID, key)
	if err != nil {
		return fmt.Errorf("upsert assistant %s: %w", assistantID, err)
	}
	return nil
}

func (p *Postgres) Close() { p.pool.Close() }
