// Package bbolt provides a BBolt-backed storage.CounterStore.
//
// BBolt serialises read-write transactions, so RecordFailure is atomic for
// every goroutine sharing the database file. The file is locked by one
// process at a time; use the Redis or PostgreSQL store when several server
// instances must share counters.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/marquee/storage"
)

var countersBucket = []byte("login_counters")

// Store implements storage.CounterStore backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.CounterStore = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(countersBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating counters bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) RecordFailure(_ context.Context, key string, p storage.Policy, now time.Time) (storage.Counter, error) {
	var next storage.Counter
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(countersBucket)
		current, err := decode(b.Get([]byte(key)))
		if err != nil {
			return err
		}
		next = current.Next(p, now)
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return storage.Counter{}, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return next, nil
}

func (s *Store) Counter(_ context.Context, key string, now time.Time) (storage.Counter, error) {
	var c storage.Counter
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		c, err = decode(tx.Bucket(countersBucket).Get([]byte(key)))
		return err
	})
	if err != nil {
		return storage.Counter{}, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return c.Current(now), nil
}

func (s *Store) Reset(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(countersBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Sweep deletes every counter that has reset by now.
func (s *Store) Sweep(now time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(countersBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			c, err := decode(v)
			if err != nil || c.Current(now).Failures == 0 {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func decode(data []byte) (storage.Counter, error) {
	var c storage.Counter
	if data == nil {
		return c, nil
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return storage.Counter{}, fmt.Errorf("decoding counter: %w", err)
	}
	return c, nil
}
