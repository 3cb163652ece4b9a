package store

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

type countingStore struct {
	inner Store
	calls atomic.Int32
}

func (c *countingStore) APIKey(ctx context.Context, id string) (string, error) {
	c.calls.Add(1)
	return c.inner.APIKey(ctx, id)
}

func TestMemory(t *testing.T) {
	m := NewMemory(map[string]string{"a1": "sk-1", "empty": ""})
	ctx := context.Background()

	tests := []struct {
		id      string
		want    string
		wantErr error
	}{
		{"a1", "sk-1", nil},
		{"missing", "", ErrNotFound},
		{"empty", "", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := m.APIKey(ctx, tt.id)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}

	m.Set("missing", "sk-2")
	if got, _ := m.APIKey(ctx, "missing"); got != "sk-2" {
		t.Errorf("Set did not take effect, got %q", got)
	}
}

// Requires a Redis server at REDIS_ADDR.
func TestRedisCache_ReadThrough(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	id := uuid.NewString()
	backing := &countingStore{inner: NewMemory(map[string]string{id: "sk-cached"})}

	cache, err := NewRedisCache(ctx, RedisConfig{Addr: addr, TTL: time.Minute, Prefix: "simplydash:test:"}, backing)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer cache.Close()
	defer cache.Invalidate(ctx, id)

	for i := 0; i < 3; i++ {
		got, err := cache.APIKey(ctx, id)
		if err != nil || got != "sk-cached" {
			t.Fatalf("lookup %d: got %q, %v", i, got, err)
		}
	}
	if n := backing.calls.Load(); n != 1 {
		t.Errorf("expected one backing lookup, got %d", n)
	}

	missing := uuid.NewString()
	for i := 0; i < 2; i++ {
		if _, err := cache.APIKey(ctx, missing); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if n := backing.calls.Load(); n != 3 {
		t.Errorf("misses must not be cached: expected 3 backing lookups, got %d", n)
	}
}

// Requires a Postgres database at DATABASE_URL.
func TestPostgres_MigrateAndLookup(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pg.Close()

	if _, err := Migrate(ctx, pg.Pool()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	id := uuid.NewString()
	if _, err := pg.APIKey(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before insert, got %v", err)
	}
	if err := pg.Upsert(ctx, id, "sk-pg"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := pg.APIKey(ctx, id)
	if err != nil || got != "sk-pg" {
		t.Errorf("got %q, %v", got, err)
	}
	pg.Pool().Exec(ctx, `DELETE FROM assistants WHERE id = $1`, id)
}
