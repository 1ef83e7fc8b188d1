package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WithTx executes a function within a transaction using the RepeatableRead
// isolation level, so reads see one coherent snapshot under concurrent
// postings.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// WithAdvisoryLock runs fn inside a transaction that holds the advisory
// lock for key, blocking until the lock is granted. The lock releases with
// the transaction.
func WithAdvisoryLock(ctx context.Context, pool *pgxpool.Pool, key int64, fn func(pgx.Tx) error) error {
	return WithTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
			return fmt.Errorf("platform/db: advisory lock %d: %w", key, err)
		}
		return fn(tx)
	})
}

// TryAdvisoryLock attempts to take the advisory lock for key inside tx
// without waiting, reporting whether it was granted.
func TryAdvisoryLock(ctx context.Context, tx pgx.Tx, key int64) (bool, error) {
	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", key).Scan(&acquired); err != nil {
		return false, fmt.Errorf("platform/db: try advisory lock %d: %w", key, err)
	}
	return acquired, nil
}
