package postgresql

import (
	"context"
	"database/sql"
	"fmt"

	"smart_bays/internal/domain"
	"smart_bays/internal/repository"

	"github.com/shopspring/decimal"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db   dbtx
	inTx bool
}

// Store is the Postgres-backed repository. Methods called directly run in
// autocommit mode; WithinTx runs fn in a serializable transaction.
type Store struct {
	*queries
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{queries: &queries{db: db}, db: db}
}

var _ repository.Store = (*Store)(nil)

func (s *Store) WithinTx(ctx context.Context, fn func(q repository.Queries) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("Store.WithinTx: begin: %w", classify(err))
	}
	if err := fn(&queries{db: tx, inTx: true}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("Store.WithinTx: rollback after %v: %w", err, rbErr)
		}
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Store.WithinTx: commit: %w", classify(err))
	}
	return nil
}

// AppendWalletTx needs two statements; outside a transaction it opens one.
func (s *Store) AppendWalletTx(ctx context.Context, wtx *domain.WalletTransaction) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.WithinTx(ctx, func(q repository.Queries) error {
		var err error
		balance, err = q.AppendWalletTx(ctx, wtx)
		return err
	})
	return balance, err
}
