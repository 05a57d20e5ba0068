package gpupool

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yuku/gpupool/internal/memstore"
	"github.com/yuku/gpupool/internal/pgstore"
	"github.com/yuku/gpupool/internal/redisstore"
)

// RedisStore is a Store backed by Redis lists and hashes.
// This is a wrapper around the internal implementation.
type RedisStore = redisstore.Store

// PostgresStore is a Store backed by two PostgreSQL tables, with blocking
// pops woken through LISTEN/NOTIFY.
// This is a wrapper around the internal implementation.
type PostgresStore = pgstore.Store

// PostgresConfig holds the configuration for opening a PostgresStore.
type PostgresConfig = pgstore.Config

// MemoryStore is a Store held in process memory. It is only useful for tests
// and for pools that never leave a single process.
type MemoryStore = memstore.Store

// RedisOption configures a RedisStore.
type RedisOption = redisstore.Option

// WithRedisPopTimeout sets how long one BRPOP round of a blocking pop waits
// before the context is checked again.
func WithRedisPopTimeout(d time.Duration) RedisOption {
	return redisstore.WithPopTimeout(d)
}

// NewRedisStore returns a Store using rdb. The client is not closed by the store.
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	return redisstore.New(rdb, opts...)
}

// OpenPostgresStore creates the gpupool tables if needed and starts listening
// for list notifications. Close the store to stop the listener.
func OpenPostgresStore(ctx context.Context, conf PostgresConfig) (*PostgresStore, error) {
	return pgstore.Open(ctx, conf)
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return memstore.New()
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
