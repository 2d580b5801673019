// Package postgres implements storage.CounterStore backed by PostgreSQL.
//
// Counters are rows in login_counters keyed by login identifier. Each
// RecordFailure runs in its own transaction holding the row lock
// (SELECT ... FOR UPDATE), so concurrent failures for one key are applied one
// after another by every server instance sharing the database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/marquee/storage"
)

// Store implements storage.CounterStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.CounterStore = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures the
// schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) RecordFailure(ctx context.Context, key string, p storage.Policy, now time.Time) (storage.Counter, error) {
	var next storage.Counter
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Make sure a row exists to lock; a placeholder expiring at now
		// reads as the zero counter.
		if _, err := tx.Exec(ctx,
			`INSERT INTO login_counters (key, failures, expires_at)
			 VALUES ($1, 0, $2)
			 ON CONFLICT (key) DO NOTHING`,
			key, now); err != nil {
			return err
		}

		current, err := scanCounter(tx.QueryRow(ctx,
			`SELECT failures, window_started_at, locked_until, expires_at
			 FROM login_counters WHERE key = $1 FOR UPDATE`, key))
		if err != nil {
			return err
		}

		next = current.Next(p, now)
		_, err = tx.Exec(ctx,
			`UPDATE login_counters
			 SET failures = $2, window_started_at = $3, locked_until = $4, expires_at = $5
			 WHERE key = $1`,
			key, next.Failures, next.WindowStartedAt, nullableTime(next.LockedUntil), next.ExpiresAt)
		return err
	})
	if err != nil {
		return storage.Counter{}, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return next, nil
}

func (s *Store) Counter(ctx context.Context, key string, now time.Time) (storage.Counter, error) {
	c, err := scanCounter(s.pool.QueryRow(ctx,
		`SELECT failures, window_started_at, locked_until, expires_at
		 FROM login_counters WHERE key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Counter{}, nil
	}
	if err != nil {
		return storage.Counter{}, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return c.Current(now), nil
}

func (s *Store) Reset(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM login_counters WHERE key = $1`, key); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Sweep deletes every counter that has reset by now and returns how many
// rows were removed.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM login_counters WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

func scanCounter(row pgx.Row) (storage.Counter, error) {
	var (
		c       storage.Counter
		started *time.Time
		locked  *time.Time
	)
	if err := row.Scan(&c.Failures, &started, &locked, &c.ExpiresAt); err != nil {
		return storage.Counter{}, err
	}
	if started != nil {
		c.WindowStartedAt = started.UTC()
	}
	if locked != nil {
		c.LockedUntil = locked.UTC()
	}
	c.ExpiresAt = c.ExpiresAt.UTC()
	return c, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
