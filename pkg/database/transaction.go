package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type txContextKey string

const txKey = txContextKey("tx-context-key")

type Tx interface {
	Queryer
	IsOpen() bool
	IsOwner() bool
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Transaction wraps sqlx.Tx. The transaction that began the work owns it; a
// Transaction handed out to nested callers shares the same sqlx.Tx but its
// Commit and Rollback are no-ops so only the owner finishes the work.
type Transaction struct {
	*sqlx.Tx
	logger ectologger.Logger
	parent *Transaction

	mu     sync.Mutex
	closed bool
}

func NewTx(tx *sqlx.Tx, logger ectologger.Logger) *Transaction {
	return &Transaction{
		Tx:     tx,
		logger: logger,
	}
}

func GetTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	if parent, ok := ctx.Value(txKey).(*Transaction); ok && parent != nil && parent.IsOpen() {
		return ctx, &Transaction{Tx: parent.Tx, logger: logger, parent: parent.root()}, nil
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Errorf("error while beginning transaction")
		return ctx, nil, fmt.Errorf("error while beginning transaction: %w", err)
	}

	newTx := NewTx(tx, logger)
	ctx = context.WithValue(ctx, txKey, newTx)
	return ctx, newTx, nil
}

func (t *Transaction) root() *Transaction {
	if t.parent != nil {
		return t.parent
	}
	return t
}

func (t *Transaction) IsOpen() bool {
	r := t.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

func (t *Transaction) IsOwner() bool {
	return t.parent == nil
}

func (t *Transaction) Rollback(ctx context.Context) error {
	if t.parent != nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}

	if err := t.Tx.Rollback(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while rolling back transaction")
		return fmt.Errorf("error while rolling back transaction: %w", err)
	}

	t.closed = true
	return nil
}

func (t *Transaction) Commit(ctx context.Context) error {
	if t.parent != nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}

	// a failed commit leaves the tx unusable either way
	t.closed = true
	if err := t.Tx.Commit(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while committing transaction")
		return fmt.Errorf("error while committing transaction: %w", err)
	}

	return nil
}
