// Package redisstore implements the gpupool store contract on Redis.
//
// Lists map to Redis lists (LPUSH / BRPOP / LRANGE) and hashes to Redis
// hashes, so the key layout stays readable with redis-cli.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// pushUnique inserts ARGV[1] at the head of KEYS[1] unless the list already
// contains it. Returns 1 if inserted, 0 otherwise.
var pushUnique = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
for _, v in ipairs(items) do
	if v == ARGV[1] then
		return 0
	end
end
redis.call('LPUSH', KEYS[1], ARGV[1])
return 1
`)

// Store is a gpupool store backed by a Redis client.
// It does not close the client as it is expected to be managed by the caller.
type Store struct {
	rdb redis.UniversalClient

	// popTimeout is the BRPOP timeout of one round of BlockingPop. Rounds
	// repeat until a value arrives, so it only bounds how late a cancelled
	// context is noticed.
	popTimeout time.Duration
}

type Option func(*Store)

// WithPopTimeout sets the timeout of a single BRPOP round. Defaults to 5s.
func WithPopTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.popTimeout = d
		}
	}
}

func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:        rdb,
		popTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Push(ctx context.Context, key, value string) error {
	if err := s.rdb.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", key, err)
	}
	return nil
}

func (s *Store) PushUnique(ctx context.Context, key, value string) (bool, error) {
	n, err := pushUnique.Run(ctx, s.rdb, []string{key}, value).Int()
	if err != nil {
		return false, fmt.Errorf("failed to push unique to %s: %w", key, err)
	}
	return n == 1, nil
}

// BlockingPop waits for a value with repeated BRPOP rounds until one arrives
// or ctx is done. A round that times out pops nothing.
func (s *Store) BlockingPop(ctx context.Context, key string) (string, error) {
	for {
		res, err := s.rdb.BRPop(ctx, s.popTimeout, key).Result()
		if errors.Is(err, redis.Nil) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to pop from %s: %w", key, err)
		}
		if len(res) != 2 {
			return "", fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
		}
		return res[1], nil
	}
}

func (s *Store) Range(ctx context.Context, key string) ([]string, error) {
	values, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return values, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	values, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read hash %s: %w", key, err)
	}
	return values, nil
}

func (s *Store) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, 2*len(fields))
	for f, v := range fields {
		args = append(args, f, v)
	}
	if err := s.rdb.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("failed to write hash %s: %w", key, err)
	}
	return nil
}

func (s *Store) HashGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s.%s: %w", key, field, err)
	}
	return v, true, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
