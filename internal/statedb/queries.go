// Package statedb holds the PostgreSQL schema and queries behind the
// PostgreSQL store.
package statedb

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgx.Conn, *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// keyLockClass is the first key of the two-key advisory locks taken per
// store key.
const keyLockClass int32 = 0x6770

func (q *Queries) AcquireAdvisoryLock(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", id)
	return err
}

// LockKey serializes writers of key until the end of the transaction.
func (q *Queries) LockKey(ctx context.Context, key string) error {
	_, err := q.db.Exec(ctx, "SELECT pg_advisory_xact_lock($1, hashtext($2))", keyLockClass, key)
	return err
}

func (q *Queries) DoTablesExist(ctx context.Context) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx, `
SELECT to_regclass('gpupool_list') IS NOT NULL
   AND to_regclass('gpupool_hash') IS NOT NULL`).Scan(&ok)
	return ok, err
}

func (q *Queries) DropTables(ctx context.Context) error {
	_, err := q.db.Exec(ctx, "DROP TABLE IF EXISTS gpupool_list, gpupool_hash")
	return err
}

func (q *Queries) InsertListHead(ctx context.Context, key, value string) error {
	_, err := q.db.Exec(ctx, "INSERT INTO gpupool_list (key, value) VALUES ($1, $2)", key, value)
	return err
}

func (q *Queries) ListContains(ctx context.Context, key, value string) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM gpupool_list WHERE key = $1 AND value = $2)",
		key, value,
	).Scan(&ok)
	return ok, err
}

// PopListTail deletes and returns the oldest value of key. Rows locked by a
// concurrent pop are skipped, so two pops never return the same row.
// It returns pgx.ErrNoRows when nothing can be popped.
func (q *Queries) PopListTail(ctx context.Context, key string) (string, error) {
	var value string
	err := q.db.QueryRow(ctx, `
WITH tail AS (
    SELECT key, seq FROM gpupool_list
    WHERE key = $1
    ORDER BY seq ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
DELETE FROM gpupool_list l
USING tail
WHERE l.key = tail.key AND l.seq = tail.seq
RETURNING l.value`, key).Scan(&value)
	return value, err
}

// ListValues returns the values of key, head first.
func (q *Queries) ListValues(ctx context.Context, key string) ([]string, error) {
	rows, err := q.db.Query(ctx, "SELECT value FROM gpupool_list WHERE key = $1 ORDER BY seq DESC", key)
	if err != nil {
		return nil, err
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = []string{}
	}
	return values, nil
}

func (q *Queries) DeleteLists(ctx context.Context, keys []string) error {
	_, err := q.db.Exec(ctx, "DELETE FROM gpupool_list WHERE key = ANY($1)", keys)
	return err
}

func (q *Queries) DeleteHashes(ctx context.Context, keys []string) error {
	_, err := q.db.Exec(ctx, "DELETE FROM gpupool_hash WHERE key = ANY($1)", keys)
	return err
}

func (q *Queries) HashFields(ctx context.Context, key string) (map[string]string, error) {
	rows, err := q.db.Query(ctx, "SELECT field, value FROM gpupool_hash WHERE key = $1", key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := make(map[string]string)
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, err
		}
		fields[f] = v
	}
	return fields, rows.Err()
}

func (q *Queries) HashField(ctx context.Context, key, field string) (string, error) {
	var value string
	err := q.db.QueryRow(ctx,
		"SELECT value FROM gpupool_hash WHERE key = $1 AND field = $2",
		key, field,
	).Scan(&value)
	return value, err
}

func (q *Queries) UpsertHashField(ctx context.Context, key, field, value string) error {
	_, err := q.db.Exec(ctx, `
INSERT INTO gpupool_hash (key, field, value) VALUES ($1, $2, $3)
ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value`,
		key, field, value,
	)
	return err
}

// Notify queues a notification that is delivered when the surrounding
// transaction commits.
func (q *Queries) Notify(ctx context.Context, channel, payload string) error {
	_, err := q.db.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}
