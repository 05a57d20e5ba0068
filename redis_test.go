package gpupool_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuku/gpupool"
	"github.com/yuku/gpupool/internal/device"
)

// TestRedisStore runs a pool over a Redis server and checks the records it
// leaves there.
func TestRedisStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dead := map[int]bool{}
	m, err := gpupool.New(gpupool.Config{
		Store:   gpupool.NewRedisStore(rdb, gpupool.WithRedisPopTimeout(time.Second)),
		Devices: device.Static(3),
		Prober:  gpupool.ProberFunc(func(pid int) bool { return !dead[pid] }),
		Now:     func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	require.NoError(t, m.Ping(ctx))

	// Init
	n, err := m.Init(ctx, gpupool.ManageCount(2), false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	idle, err := mr.List("GPU_IDLE")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, idle)
	managed, err := mr.List("GPU_MANAGED")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, managed)
	assert.Equal(t, "2024-05-06 07:08:09", mr.HGet("GPU_INIT", "TIME"))
	assert.Equal(t, "2,1", mr.HGet("GPU_INIT", "GPUMANAGED"))
	assert.Equal(t, "3", mr.HGet("GPU_INIT", "GPUCOUNT"))

	// Acquire
	first, err := m.Acquire(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, first)
	second, err := m.Acquire(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, 1, second)
	assert.Equal(t, "100", mr.HGet("GPU_GPU2", "PID"))
	assert.Equal(t, "2024-05-06 07:08:09", mr.HGet("GPU_GPU2", "TIME"))
	assert.False(t, mr.Exists("GPU_IDLE"), "Redis drops empty lists")

	// Release
	require.NoError(t, m.Release(ctx, first, 100))
	assert.False(t, mr.Exists("GPU_GPU2"))
	assert.ErrorIs(t, m.Release(ctx, first, 100), gpupool.ErrAlreadyIdle)

	// Purge
	dead[200] = true
	n, err = m.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	idle, err = mr.List("GPU_IDLE")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, idle)

	events, err := m.Log(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		stamp + "Pool initialized, 2 managed GPUs.",
		stamp + "GPU 2 acquired by PID 100.",
		stamp + "GPU 1 acquired by PID 200.",
		stamp + "GPU 2 released by PID 100.",
		stamp + "GPU 1 acquired by PID 200 was released by purge as the process does not exist.",
	}, events)
	raw, err := mr.List("GPU_EVENTS")
	require.NoError(t, err)
	assert.Equal(t, events[len(events)-1], raw[0], "newest event should be at the head")

	// Info
	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "GPU total:3 managed:2 idle:2", info.String())

	// Delete
	require.NoError(t, m.DeleteAll(ctx))
	assert.Empty(t, mr.Keys())
}

func TestRedisStore_Unavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	m, err := gpupool.New(gpupool.Config{Store: gpupool.NewRedisStore(rdb)})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Ping(ctx), gpupool.ErrStoreUnavailable)
	_, err = m.Idle(ctx)
	assert.ErrorIs(t, err, gpupool.ErrStoreUnavailable)
}
