// Copyright 2025 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
)

// scopeTimeout bounds a request scoped transaction, it is detached from the
// request context so a client hanging up does not roll back a half written row.
const scopeTimeout = 60 * time.Second

type scopeKey struct{}

type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	TracingEnabled  bool
}

// txScope opens its transaction on the first statement issued inside it.
type txScope struct {
	mu     sync.Mutex
	db     *sql.DB
	tx     TxInterface
	cancel context.CancelFunc
}

func (s *txScope) runner() (sq.BaseRunner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		return s.tx, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), scopeTimeout)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		cancel()
		return nil, err
	}

	s.tx = tx
	s.cancel = cancel

	return tx, nil
}

func (s *txScope) finish(commit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	defer s.cancel()

	if commit {
		return s.tx.Commit()
	}

	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}

	return nil
}

// failedRunner answers every statement with the error that kept the scope from opening.
type failedRunner struct {
	err error
}

func (f failedRunner) Exec(string, ...any) (sql.Result, error) {
	return nil, f.err
}

func (f failedRunner) Query(string, ...any) (*sql.Rows, error) {
	return nil, f.err
}

func (f failedRunner) QueryRow(string, ...any) sq.RowScanner {
	return f
}

func (f failedRunner) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, f.err
}

func (f failedRunner) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, f.err
}

func (f failedRunner) QueryRowContext(context.Context, string, ...any) sq.RowScanner {
	return f
}

func (f failedRunner) Scan(...any) error {
	return f.err
}

// DBClient gives the management store access to a pgx backed connection pool.
type DBClient struct {
	pool *pgxpool.Pool
	db   *sql.DB

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

// Statement returns a builder running on the transaction scope carried by ctx,
// or directly on the pool when there is none. When the scope transaction cannot be
// opened, every statement of the builder fails with that error.
func (d *DBClient) Statement(ctx context.Context) sq.StatementBuilderType {
	builder := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	scope, ok := ctx.Value(scopeKey{}).(*txScope)
	if !ok {
		return builder.RunWith(d.db)
	}

	runner, err := scope.runner()
	if err != nil {
		d.logger.Errorf("failed to open transaction: %v", err)
		return builder.RunWith(failedRunner{err: fmt.Errorf("failed to open transaction: %w", err)})
	}

	return builder.RunWith(runner)
}

// WithTx runs fn inside a transaction scope. Nothing is sent to the database
// unless fn issues a statement, the scope commits when fn returns nil.
func (d *DBClient) WithTx(ctx context.Context, fn func(context.Context) error) error {
	if _, ok := ctx.Value(scopeKey{}).(*txScope); ok {
		return fn(ctx)
	}

	scope := &txScope{db: d.db}

	if err := fn(context.WithValue(ctx, scopeKey{}, scope)); err != nil {
		if rerr := scope.finish(false); rerr != nil {
			d.logger.Errorf("failed to rollback transaction: %v", rerr)
		}

		return err
	}

	if err := scope.finish(true); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Ping reports whether the management store is reachable.
func (d *DBClient) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DBClient) Close() {
	if d.db != nil {
		_ = d.db.Close()
	}

	if d.pool != nil {
		d.pool.Close()
	}
}

// NewDBClient opens a pool against cfg.DSN and checks it is reachable.
func NewDBClient(cfg Config, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) (*DBClient, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN: %w", err)
	}

	if cfg.TracingEnabled {
		config.ConnConfig.Tracer = otelpgx.NewTracer()
	}

	config.MaxConns = cfg.MaxConns
	config.MinConns = cfg.MinConns
	config.MaxConnLifetime = cfg.MaxConnLifetime
	config.MaxConnLifetimeJitter = cfg.MaxConnLifetime / 10
	config.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if cfg.TracingEnabled {
		if err := otelpgx.RecordStats(pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to record pool stats: %w", err)
		}
	}

	d := NewDBClientFromDB(stdlib.OpenDBFromPool(pool), tracer, monitor, logger)
	d.pool = pool

	if err := d.Ping(context.Background()); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to connect to the management store: %w", err)
	}

	return d, nil
}

// NewDBClientFromDB wraps an already opened handle, used by tests with sqlmock.
func NewDBClientFromDB(db *sql.DB, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) *DBClient {
	d := new(DBClient)
	d.db = db

	d.tracer = tracer
	d.monitor = monitor
	d.logger = logger

	return d
}
