// Package pgstore implements the gpupool store contract on PostgreSQL.
//
// Lists and hashes live in two tables created by statedb.Setup. Every write
// to a list sends a NOTIFY carrying the list key, which wakes the blocked pops
// of every process listening through pgxlisten. Pops also poll at a low rate
// so that a lost notification or a broken listener only delays them.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgxlisten"
	"github.com/yuku/gpupool/internal/statedb"
	"github.com/yuku/gpupool/internal/waitqueue"
	"golang.org/x/time/rate"
)

// Channel is the notification channel used for list writes.
const Channel = "gpupool"

type Config struct {
	// Pool is the database connection pool. Required.
	// It is not closed by the store.
	Pool *pgxpool.Pool

	// PollInterval bounds how long a blocked pop waits for a notification
	// before checking the list again. Defaults to 2s.
	PollInterval time.Duration

	// PopRate limits pop attempts per second of one BlockingPop call.
	// Defaults to 20.
	PopRate float64

	// Logger receives listener errors. Defaults to a discarding logger.
	Logger *slog.Logger

	// NoStartListening leaves the listener stopped; BlockingPop then relies on
	// polling alone.
	NoStartListening bool
}

func (c Config) Validate() error {
	if c.Pool == nil {
		return fmt.Errorf("pool cannot be nil")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval cannot be negative: given %s", c.PollInterval)
	}
	if c.PopRate < 0 {
		return fmt.Errorf("pop rate cannot be negative: given %v", c.PopRate)
	}
	return nil
}

type Store struct {
	pool         *pgxpool.Pool
	waiters      *waitqueue.ListenHandler
	pollInterval time.Duration
	popRate      rate.Limit
	logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open sets up the schema and starts the notification listener.
func Open(ctx context.Context, conf Config) (*Store, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}
	if conf.PollInterval == 0 {
		conf.PollInterval = 2 * time.Second
	}
	if conf.PopRate == 0 {
		conf.PopRate = 20
	}
	if conf.Logger == nil {
		conf.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := statedb.Setup(ctx, conf.Pool); err != nil {
		return nil, fmt.Errorf("failed to setup gpupool schema: %w", err)
	}

	s := &Store{
		pool:         conf.Pool,
		waiters:      &waitqueue.ListenHandler{},
		pollInterval: conf.PollInterval,
		popRate:      rate.Limit(conf.PopRate),
		logger:       conf.Logger,
		cancel:       func() {},
	}
	if !conf.NoStartListening {
		s.listen()
	}
	return s, nil
}

func (s *Store) listen() {
	listener := &pgxlisten.Listener{
		Connect: func(ctx context.Context) (*pgx.Conn, error) {
			return pgx.ConnectConfig(ctx, s.pool.Config().ConnConfig.Copy())
		},
		LogError: func(ctx context.Context, err error) {
			s.logger.WarnContext(ctx, "gpupool listener error", "error", err)
		},
	}
	listener.Handle(Channel, s.waiters)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Without the listener pops fall back to polling, so a failure here
		// is logged rather than fatal.
		if err := listener.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("gpupool listener stopped", "error", err)
		}
	}()
}

// Close stops the listener. It does not close the connection pool.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Store) Push(ctx context.Context, key, value string) error {
	_, err := s.push(ctx, key, value, false)
	return err
}

func (s *Store) PushUnique(ctx context.Context, key, value string) (bool, error) {
	return s.push(ctx, key, value, true)
}

func (s *Store) push(ctx context.Context, key, value string, unique bool) (bool, error) {
	pushed := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		q := statedb.New(tx)

		if err := q.LockKey(ctx, key); err != nil {
			return fmt.Errorf("failed to lock %s: %w", key, err)
		}
		if unique {
			exists, err := q.ListContains(ctx, key, value)
			if err != nil {
				return fmt.Errorf("failed to check %s: %w", key, err)
			}
			if exists {
				return nil
			}
		}
		if err := q.InsertListHead(ctx, key, value); err != nil {
			return fmt.Errorf("failed to push to %s: %w", key, err)
		}
		if err := q.Notify(ctx, Channel, key); err != nil {
			return fmt.Errorf("failed to notify waiters of %s: %w", key, err)
		}
		pushed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return pushed, nil
}

// BlockingPop waits until key has a value and pops it. Between attempts it
// sleeps until a notification for key arrives or the poll interval elapses.
func (s *Store) BlockingPop(ctx context.Context, key string) (string, error) {
	limiter := rate.NewLimiter(s.popRate, 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			// The limiter fails early when the next attempt would pass the
			// deadline of ctx.
			<-ctx.Done()
			return "", ctx.Err()
		}

		var value string
		var popped bool
		waitCtx, cancel := context.WithTimeout(ctx, s.pollInterval)
		err := waitqueue.Wait(waitCtx, s.waiters,
			waitqueue.WithKey(key),
			waitqueue.WithAfterRegister(func() error {
				v, ok, err := s.tryPop(ctx, key)
				if err != nil {
					return err
				}
				if ok {
					value, popped = v, true
					return waitqueue.ErrReady
				}
				return nil
			}),
		)
		cancel()

		if popped {
			return value, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
	}
}

func (s *Store) tryPop(ctx context.Context, key string) (string, bool, error) {
	v, err := statedb.New(s.pool).PopListTail(ctx, key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to pop from %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) Range(ctx context.Context, key string) ([]string, error) {
	values, err := statedb.New(s.pool).ListValues(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return values, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		q := statedb.New(tx)
		if err := q.DeleteLists(ctx, keys); err != nil {
			return fmt.Errorf("failed to delete lists: %w", err)
		}
		if err := q.DeleteHashes(ctx, keys); err != nil {
			return fmt.Errorf("failed to delete hashes: %w", err)
		}
		return nil
	})
}

func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := statedb.New(s.pool).HashFields(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read hash %s: %w", key, err)
	}
	return fields, nil
}

func (s *Store) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		q := statedb.New(tx)
		for f, v := range fields {
			if err := q.UpsertHashField(ctx, key, f, v); err != nil {
				return fmt.Errorf("failed to write %s.%s: %w", key, f, err)
			}
		}
		return nil
	})
}

func (s *Store) HashGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := statedb.New(s.pool).HashField(ctx, key, field)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s.%s: %w", key, field, err)
	}
	return v, true, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
