package redisstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuku/gpupool/internal/redisstore"
)

func newStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisstore.New(rdb, redisstore.WithPopTimeout(time.Second)), mr
}

func TestStore_Lists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newStore(t)

	require.NoError(t, s.Push(ctx, "GPU_IDLE", "0"))
	require.NoError(t, s.Push(ctx, "GPU_IDLE", "1"))

	list, err := mr.List("GPU_IDLE")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "0"}, list, "Push should be LPUSH")

	values, err := s.Range(ctx, "GPU_IDLE")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "0"}, values)

	v, err := s.BlockingPop(ctx, "GPU_IDLE")
	require.NoError(t, err)
	assert.Equal(t, "0", v, "BlockingPop should take the tail")

	values, err = s.Range(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestStore_PushUnique(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newStore(t)

	pushed, err := s.PushUnique(ctx, "GPU_IDLE", "3")
	require.NoError(t, err)
	assert.True(t, pushed)

	pushed, err = s.PushUnique(ctx, "GPU_IDLE", "3")
	require.NoError(t, err)
	assert.False(t, pushed)

	pushed, err = s.PushUnique(ctx, "GPU_IDLE", "4")
	require.NoError(t, err)
	assert.True(t, pushed)

	list, err := mr.List("GPU_IDLE")
	require.NoError(t, err)
	assert.Equal(t, []string{"4", "3"}, list)
}

func TestStore_BlockingPop(t *testing.T) {
	t.Parallel()

	t.Run("blocks until a value is pushed", func(t *testing.T) {
		ctx := context.Background()
		s, _ := newStore(t)

		got := make(chan string, 1)
		go func() {
			v, err := s.BlockingPop(ctx, "GPU_IDLE")
			assert.NoError(t, err)
			got <- v
		}()

		time.Sleep(100 * time.Millisecond) // Let the pop block
		require.NoError(t, s.Push(ctx, "GPU_IDLE", "7"))

		select {
		case v := <-got:
			assert.Equal(t, "7", v)
		case <-time.After(2 * time.Second):
			t.Fatal("BlockingPop did not return after push")
		}
	})

	t.Run("returns when the context is cancelled", func(t *testing.T) {
		s, _ := newStore(t)
		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			_, err := s.BlockingPop(ctx, "GPU_IDLE")
			done <- err
		}()

		select {
		case err := <-done:
			assert.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("BlockingPop did not return after the context was cancelled")
		}
	})

	t.Run("hands every value to exactly one popper", func(t *testing.T) {
		ctx := context.Background()
		s, _ := newStore(t)

		n := 10
		results := make(chan string, n)
		var wg sync.WaitGroup
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := s.BlockingPop(ctx, "GPU_IDLE")
				assert.NoError(t, err)
				results <- v
			}()
		}
		for i := range n {
			require.NoError(t, s.Push(ctx, "GPU_IDLE", fmt.Sprint(i)))
		}
		wg.Wait()
		close(results)

		seen := map[string]bool{}
		for v := range results {
			assert.False(t, seen[v], "value %s popped twice", v)
			seen[v] = true
		}
		assert.Len(t, seen, n)
	})
}

func TestStore_Hashes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newStore(t)

	require.NoError(t, s.HashSet(ctx, "GPU_GPU1", map[string]string{"PID": "42", "TIME": "2024-01-02 03:04:05"}))
	assert.Equal(t, "42", mr.HGet("GPU_GPU1", "PID"))

	v, ok, err := s.HashGet(ctx, "GPU_GPU1", "PID")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", v)

	_, ok, err = s.HashGet(ctx, "GPU_GPU2", "PID")
	require.NoError(t, err)
	assert.False(t, ok, "a missing hash should report the field absent")

	fields, err := s.HashGetAll(ctx, "GPU_GPU1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"PID": "42", "TIME": "2024-01-02 03:04:05"}, fields)

	fields, err = s.HashGetAll(ctx, "GPU_GPU2")
	require.NoError(t, err)
	assert.Empty(t, fields)

	require.NoError(t, s.HashSet(ctx, "GPU_GPU1", nil), "an empty HashSet should be a no-op")
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newStore(t)

	require.NoError(t, s.Push(ctx, "GPU_IDLE", "0"))
	require.NoError(t, s.HashSet(ctx, "GPU_INIT", map[string]string{"GPUCOUNT": "2"}))

	require.NoError(t, s.Delete(ctx, "GPU_IDLE", "GPU_INIT", "missing"))
	assert.False(t, mr.Exists("GPU_IDLE"))
	assert.False(t, mr.Exists("GPU_INIT"))

	require.NoError(t, s.Delete(ctx))
}

func TestStore_Unavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newStore(t)
	mr.Close()

	assert.Error(t, s.Ping(ctx))
	assert.Error(t, s.Push(ctx, "GPU_IDLE", "0"))
	_, err := s.Range(ctx, "GPU_IDLE")
	assert.Error(t, err)
}
