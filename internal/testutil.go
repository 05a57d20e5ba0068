// Package internal holds connection helpers shared by the command and the
// tests. Connection parameters come from the environment.
package internal

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GetConnection returns a connection to the PostgreSQL database.
func GetConnection(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}

// GetPool returns a connection pool to the PostgreSQL database at url.
// An empty url means PostgresURL().
func GetPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		url = PostgresURL()
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// MustGetPoolWithCleanup returns a connection pool to the PostgreSQL database
// and closes it when the test completes. The test is skipped if the database
// is not reachable.
func MustGetPoolWithCleanup(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, err := GetPool(context.Background(), "")
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// PostgresURL builds a connection string from DATABASE_URL or the standard
// PG* variables.
func PostgresURL() string {
	if connStr := os.Getenv("DATABASE_URL"); connStr != "" {
		return connStr
	}

	host := GetEnvOrDefault("PGHOST", "localhost")
	port := GetEnvOrDefault("PGPORT", "5432")
	user := GetEnvOrDefault("PGUSER", "postgres")
	password := GetEnvOrDefault("PGPASSWORD", "postgres")
	database := GetEnvOrDefault("PGDATABASE", "postgres")

	if password != "" {
		return fmt.Sprintf(
			"postgres://%s:%s@%s/%s?sslmode=disable",
			user, password, net.JoinHostPort(host, port), database,
		)
	}
	return fmt.Sprintf(
		"postgres://%s@%s/%s?sslmode=disable",
		user, net.JoinHostPort(host, port), database,
	)
}

// GetEnvOrDefault retrieves an environment variable or returns a default value
// if the variable is not set.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
