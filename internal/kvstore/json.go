// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetJSON decodes the value stored under key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}

	return nil
}

func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	return s.Set(ctx, key, raw)
}
