// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package kvstore

import (
	"context"
	"slices"
	"sync"
)

var (
	_ Store   = (*MemoryStore)(nil)
	_ Updater = (*MemoryStore)(nil)
)

// MemoryStore keeps values for the lifetime of the process, used in tests and
// by the backend when no redis is configured.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	return slices.Clone(v), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = slices.Clone(value)

	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)

	return nil
}

func (s *MemoryStore) Update(_ context.Context, key string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := fn(slices.Clone(s.data[key]))
	if err != nil {
		return err
	}

	s.data[key] = slices.Clone(v)

	return nil
}
