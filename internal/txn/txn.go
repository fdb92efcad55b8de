// Package txn carries the unit-of-work plumbing the queue engine runs on.
// Store operations resolve their querier from the context, so any operation
// can join a caller transaction placed there with WithTx.
package txn

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Mode selects how the engine wraps store mutations in transactions.
type Mode string

const (
	// FullyTransactional joins the caller's transaction on enqueue and runs
	// each delivery (handler + ack) inside a single engine transaction.
	FullyTransactional Mode = "fully_transactional"

	// SingleOperation runs every store mutation as its own implicit
	// transaction. Default.
	SingleOperation Mode = "single_operation_transaction"

	// ManualAcknowledgement leaves acknowledgement to the handler, which must
	// ack within the message handling timeout or the claim lapses.
	ManualAcknowledgement Mode = "manual_acknowledgement"
)

// ParseMode validates a configured transactional mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case FullyTransactional, SingleOperation, ManualAcknowledgement:
		return Mode(s), nil
	case "":
		return SingleOperation, nil
	}
	return "", fmt.Errorf("unknown transactional mode: %q", s)
}

type txKey struct{}

// WithTx returns a context carrying tx. Store operations executed with the
// returned context run against tx instead of the pool.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFrom extracts the transaction carried by ctx, if any.
func TxFrom(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// Factory opens units of work for the engine.
type Factory interface {
	// WithinTx runs fn inside a transaction placed in fn's context. Commit on
	// nil return, rollback otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PgxFactory is the pgx-backed Factory.
type PgxFactory struct {
	pool *pgxpool.Pool
}

func NewPgxFactory(pool *pgxpool.Pool) *PgxFactory {
	return &PgxFactory{pool: pool}
}

func (f *PgxFactory) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := TxFrom(ctx); ok {
		// Already inside a unit of work; nest via savepoint semantics.
		inner, err := tx.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin nested tx: %w", err)
		}
		if err := fn(WithTx(ctx, inner)); err != nil {
			_ = inner.Rollback(ctx)
			return err
		}
		if err := inner.Commit(ctx); err != nil {
			return fmt.Errorf("commit nested tx: %w", err)
		}
		return nil
	}

	tx, err := f.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
