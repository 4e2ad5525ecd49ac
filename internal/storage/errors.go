// Copyright 2025 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package storage

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors for storage operations.
var (
	ErrNotFound            = errors.New("resource not found")
	ErrDuplicateKey        = errors.New("duplicate key violation")
	ErrForeignKeyViolation = errors.New("foreign key violation")
)

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsDuplicateKeyError checks if the error is a PostgreSQL unique constraint violation.
func IsDuplicateKeyError(err error) bool {
	return pgErrorCode(err) == pgerrcode.UniqueViolation
}

// IsForeignKeyViolation checks if the error is a PostgreSQL foreign key violation.
func IsForeignKeyViolation(err error) bool {
	return pgErrorCode(err) == pgerrcode.ForeignKeyViolation
}

// mapError converts constraint violations to the package sentinels and keeps everything else as is.
func mapError(err error) error {
	switch {
	case IsDuplicateKeyError(err):
		return ErrDuplicateKey
	case IsForeignKeyViolation(err):
		return ErrForeignKeyViolation
	}
	return err
}
