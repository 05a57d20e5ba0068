package statedb

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
)

//go:embed schema.sql
var schemaSQL string

// setupLockID guards schema creation. It is arbitrary but must be consistent
// across all processes.
const setupLockID int64 = 0x67707570

// Beginner starts transactions. *pgx.Conn and *pgxpool.Pool satisfy it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Setup creates the gpupool tables unless they already exist.
// It uses a PostgreSQL advisory lock to serialize concurrent setup attempts.
func Setup(ctx context.Context, db Beginner) error {
	return pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		q := New(tx)

		if err := q.AcquireAdvisoryLock(ctx, setupLockID); err != nil {
			return fmt.Errorf("failed to acquire advisory lock: %w", err)
		}

		ok, err := q.DoTablesExist(ctx)
		if err != nil {
			return fmt.Errorf("failed to check if gpupool tables exist: %w", err)
		}
		if ok {
			return nil
		}
		if _, err := tx.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("failed to create gpupool tables: %w", err)
		}
		return nil
	})
}

// Cleanup drops the gpupool tables.
func Cleanup(ctx context.Context, db DBTX) error {
	if err := New(db).DropTables(ctx); err != nil {
		return fmt.Errorf("failed to drop gpupool tables: %w", err)
	}
	return nil
}
