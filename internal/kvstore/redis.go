// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

var (
	_ Store   = (*RedisStore)(nil)
	_ Updater = (*RedisStore)(nil)
)

const maxUpdateRetries = 10

// RedisStore shares state between backend replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL (redis://host:port/db); every key is stored under prefix.
func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreFromClient(client, prefix), nil
}

func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}

	return v, err
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.key(key), value, 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Update runs fn under WATCH and retries when another writer touched the key in between.
func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	k := s.key(key)

	txf := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, k).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		v, err := fn(old)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, v, 0)
			return nil
		})

		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		return err
	}

	return fmt.Errorf("update of %s kept conflicting after %d attempts", key, maxUpdateRetries)
}

// Ping is used by the status endpoint.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
