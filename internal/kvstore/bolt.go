// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package kvstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	_ Store   = (*BoltStore)(nil)
	_ Updater = (*BoltStore)(nil)

	stateBucket = []byte("state")
)

// BoltStore is the client-local state file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the state file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("unable to open state file %s, is another process using it? %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to initialize state file: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(_ context.Context, key string) ([]byte, error) {
	var v []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(stateBucket).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}

		// bolt values are only valid inside the transaction
		v = slices.Clone(raw)
		return nil
	})

	return v, err
}

func (s *BoltStore) Set(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put([]byte(key), value)
	})
}

func (s *BoltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Delete([]byte(key))
	})
}

func (s *BoltStore) Update(_ context.Context, key string, fn UpdateFunc) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(stateBucket)

		v, err := fn(slices.Clone(b.Get([]byte(key))))
		if err != nil {
			return err
		}

		return b.Put([]byte(key), v)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
