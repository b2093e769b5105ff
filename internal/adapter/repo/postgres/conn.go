// Package postgres provides the PostgreSQL store gateway.
//
// It implements the repository ports with tenant-scoped queries and keeps
// every status-machine UPDATE in one place. All repositories accept the
// narrow PgxPool interface so tests can substitute fakes.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx used by repositories. Both *pgxpool.Pool and
// pgx.Tx satisfy it, which is how WithTx-joined calls share a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is the pool surface repositories depend on.
type PgxPool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// NewPool creates a pgx connection pool from the provided DSN with the
// otelpgx tracer attached.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.parse_config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.new_pool: %w", err)
	}
	return pool, nil
}

type txKey struct{}

// TxRunner implements domain.TxRunner on a pgx pool. Repository calls made
// with the context passed to fn join the transaction.
type TxRunner struct{ Pool PgxPool }

// NewTxRunner constructs a TxRunner.
func NewTxRunner(p PgxPool) *TxRunner { return &TxRunner{Pool: p} }

// WithTx runs fn inside one transaction, rolling back on error.
func (r *TxRunner) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=postgres.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=postgres.commit: %w", err)
	}
	return nil
}

// q returns the transaction bound to ctx if present, else the pool.
func q(ctx context.Context, pool PgxPool) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return pool
}
