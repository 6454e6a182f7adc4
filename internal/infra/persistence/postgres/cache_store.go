// Package postgres provides the PostgreSQL backend for the run-state cache.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/stratdesk/internal/cache"
)

const (
	selectEntrySQL = `SELECT payload::text FROM runstate_cache WHERE cache_key = $1`
	upsertEntrySQL = `INSERT INTO runstate_cache (cache_key, payload, updated_at)
VALUES ($1, $2::jsonb, NOW())
ON CONFLICT (cache_key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`
	deleteEntrySQL = `DELETE FROM runstate_cache WHERE cache_key = $1`
)

// CacheStore persists cache entries in the runstate_cache table.
type CacheStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewCacheStore constructs a CacheStore backed by the provided pgx pool.
// Each statement is bounded by timeout when it is positive.
func NewCacheStore(pool *pgxpool.Pool, timeout time.Duration) *CacheStore {
	return &CacheStore{pool: pool, timeout: timeout}
}

func (s *CacheStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("cache store: nil pool")
	}
	return s.pool, nil
}

func (s *CacheStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Get returns the stored payload or a not-found error.
func (s *CacheStore) Get(ctx context.Context, key string) ([]byte, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("cache store: key required")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var payload string
	if err := pool.QueryRow(ctx, selectEntrySQL, key).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cache.ErrNotFound(key)
		}
		return nil, fmt.Errorf("cache store: load %s: %w", key, err)
	}
	return []byte(payload), nil
}

// Set upserts the payload. Values must be valid JSON.
func (s *CacheStore) Set(ctx context.Context, key string, value []byte) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("cache store: key required")
	}
	if !json.Valid(value) {
		return fmt.Errorf("cache store: payload for %s is not valid json", key)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := pool.Exec(ctx, upsertEntrySQL, key, string(value)); err != nil {
		return fmt.Errorf("cache store: upsert %s: %w", key, err)
	}
	return nil
}

// Delete removes the key. Missing keys are not an error.
func (s *CacheStore) Delete(ctx context.Context, key string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := pool.Exec(ctx, deleteEntrySQL, strings.TrimSpace(key)); err != nil {
		return fmt.Errorf("cache store: delete %s: %w", key, err)
	}
	return nil
}
