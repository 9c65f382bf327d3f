package outbox

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Executor is the subset of *pgxpool.Pool and pgx.Tx the repository needs.
// Having both satisfy the same interface lets every query run unchanged
// whether or not it's inside a transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txContextKey struct{}

// ContextWithTx stores tx on ctx so nested repository calls made during the
// same request share one transaction, grounded on pkg/dbtx/dbtx_test.go's
// ContextWithTx/TxFromContext pair.
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	if tx == nil {
		return ctx
	}

	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the transaction stashed by ContextWithTx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txContextKey{}).(pgx.Tx)
	return tx
}

// GetExecutor returns the in-flight transaction from ctx if present,
// otherwise pool.
func GetExecutor(ctx context.Context, pool Executor) Executor {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}

	return pool
}

// RunInTransaction begins a transaction on pool, runs fn with the
// transaction attached to ctx, and commits on success or rolls back on
// error/panic, grounded on pkg/dbtx/dbtx_test.go's RunInTransaction.
func RunInTransaction(ctx context.Context, pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}, fn func(ctx context.Context) error) (err error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}

		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(ContextWithTx(ctx, tx)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
