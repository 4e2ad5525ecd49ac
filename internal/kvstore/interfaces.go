// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package kvstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

// Store persists small structured records outside process memory.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete is idempotent, removing a missing key is not an error
	Delete(ctx context.Context, key string) error
}

// UpdateFunc receives the current value (nil when missing) and returns the one to store.
type UpdateFunc func(old []byte) ([]byte, error)

// Updater is implemented by stores able to run a read-modify-write atomically.
type Updater interface {
	Update(ctx context.Context, key string, fn UpdateFunc) error
}
