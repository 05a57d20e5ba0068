package statedb_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuku/gpupool/internal"
	"github.com/yuku/gpupool/internal/statedb"
)

// newDatabase creates a throwaway database so that dropping tables does not
// affect other tests.
func newDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()
	defaultPool := internal.MustGetPoolWithCleanup(t)

	ctx := context.Background()
	dbname := fmt.Sprintf("gpupool_test_%d", rand.IntN(1000000)) // Randomize database name to avoid conflicts

	_, err := defaultPool.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", dbname))
	require.NoErrorf(t, err, "failed to create %s database", dbname)
	t.Cleanup(func() {
		_, _ = defaultPool.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbname))
	})

	config := defaultPool.Config().Copy()
	config.ConnConfig.Database = dbname
	pool, err := pgxpool.NewWithConfig(ctx, config)
	require.NoError(t, err, "failed to connect to test database")
	t.Cleanup(pool.Close)
	return pool
}

func TestSetup(t *testing.T) {
	pool := newDatabase(t)
	ctx := context.Background()

	// Given
	q := statedb.New(pool)
	exists, err := q.DoTablesExist(ctx)
	require.NoError(t, err)
	require.False(t, exists, "a fresh database should not have gpupool tables")

	// When
	require.NoError(t, statedb.Setup(ctx, pool))

	// Then
	exists, err = q.DoTablesExist(ctx)
	require.NoError(t, err)
	assert.True(t, exists, "gpupool tables should exist after setup")

	// Setup is idempotent
	require.NoError(t, statedb.Setup(ctx, pool))
}

func TestSetup_Concurrent(t *testing.T) {
	pool := newDatabase(t)
	ctx := context.Background()

	n := 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- statedb.Setup(ctx, pool)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err, "concurrent Setup should not fail")
	}
	exists, err := statedb.New(pool).DoTablesExist(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCleanup(t *testing.T) {
	pool := newDatabase(t)
	ctx := context.Background()
	require.NoError(t, statedb.Setup(ctx, pool))

	require.NoError(t, statedb.Cleanup(ctx, pool))

	exists, err := statedb.New(pool).DoTablesExist(ctx)
	require.NoError(t, err)
	assert.False(t, exists, "gpupool tables should be gone after cleanup")
}

func TestQueries_Lists(t *testing.T) {
	pool := newDatabase(t)
	ctx := context.Background()
	require.NoError(t, statedb.Setup(ctx, pool))
	q := statedb.New(pool)

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, q.InsertListHead(ctx, "list", v))
	}

	values, err := q.ListValues(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, values, "values should be listed head first")

	ok, err := q.ListContains(ctx, "list", "b")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.ListContains(ctx, "list", "z")
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := q.PopListTail(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, "a", v, "pop should take the oldest value")

	require.NoError(t, q.DeleteLists(ctx, []string{"list"}))
	_, err = q.PopListTail(ctx, "list")
	assert.ErrorIs(t, err, pgx.ErrNoRows)

	values, err = q.ListValues(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestQueries_Hashes(t *testing.T) {
	pool := newDatabase(t)
	ctx := context.Background()
	require.NoError(t, statedb.Setup(ctx, pool))
	q := statedb.New(pool)

	require.NoError(t, q.UpsertHashField(ctx, "hash", "PID", "1"))
	require.NoError(t, q.UpsertHashField(ctx, "hash", "PID", "2"))
	require.NoError(t, q.UpsertHashField(ctx, "hash", "TIME", "now"))

	v, err := q.HashField(ctx, "hash", "PID")
	require.NoError(t, err)
	assert.Equal(t, "2", v, "upsert should overwrite the field")

	fields, err := q.HashFields(ctx, "hash")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"PID": "2", "TIME": "now"}, fields)

	require.NoError(t, q.DeleteHashes(ctx, []string{"hash"}))
	_, err = q.HashField(ctx, "hash", "PID")
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}
