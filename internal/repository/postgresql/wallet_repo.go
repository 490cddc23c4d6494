package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"smart_bays/internal/domain"
	"smart_bays/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultTxLimit = 50

// AppendWalletTx must run inside WithinTx; Store.AppendWalletTx wraps the
// autocommit case.
func (r *queries) AppendWalletTx(ctx context.Context, wtx *domain.WalletTransaction) (decimal.Decimal, error) {
	if !r.inTx {
		return decimal.Zero, fmt.Errorf("WalletRepository.AppendWalletTx: requires a transaction")
	}
	if !wtx.Amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("WalletRepository.AppendWalletTx: amount must be positive, got %s", wtx.Amount)
	}
	if wtx.ID == uuid.Nil {
		wtx.ID = uuid.New()
	}

	insert := `INSERT INTO wallet_transactions (id, user_id, booking_id, kind, amount, direction, note, created_at)
	            VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, CURRENT_TIMESTAMP))
	            RETURNING created_at`
	var createdAt sql.NullTime
	if !wtx.CreatedAt.IsZero() {
		createdAt = sql.NullTime{Time: wtx.CreatedAt, Valid: true}
	}
	err := r.db.QueryRowContext(ctx, insert,
		wtx.ID, wtx.UserID, wtx.BookingID, wtx.Kind, wtx.Amount, wtx.Direction, wtx.Note, createdAt,
	).Scan(&wtx.CreatedAt)
	if err != nil {
		return decimal.Zero, fmt.Errorf("WalletRepository.AppendWalletTx: insert: %w", classify(err))
	}
	wtx.CreatedAt = wtx.CreatedAt.In(time.UTC)

	upsert := `INSERT INTO user_wallets (user_id, balance, version, created_at, updated_at)
	            VALUES ($1, $2, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	            ON CONFLICT (user_id) DO UPDATE
	            SET balance = user_wallets.balance + EXCLUDED.balance,
	                version = user_wallets.version + 1,
	                updated_at = CURRENT_TIMESTAMP
	            RETURNING balance`
	var balance decimal.Decimal
	if err := r.db.QueryRowContext(ctx, upsert, wtx.UserID, wtx.Signed()).Scan(&balance); err != nil {
		return decimal.Zero, fmt.Errorf("WalletRepository.AppendWalletTx: adjust balance: %w", classify(err))
	}
	return balance, nil
}

func (r *queries) Wallet(ctx context.Context, userID string) (*domain.UserWallet, error) {
	w := &domain.UserWallet{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, balance, version, created_at, updated_at FROM user_wallets WHERE user_id = $1`, userID,
	).Scan(&w.UserID, &w.Balance, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("WalletRepository.Wallet: %w", classify(err))
	}
	w.CreatedAt = w.CreatedAt.In(time.UTC)
	w.UpdatedAt = w.UpdatedAt.In(time.UTC)
	return w, nil
}

func (r *queries) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.db.QueryRowContext(ctx, `SELECT balance FROM user_wallets WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("WalletRepository.Balance: %w", classify(err))
	}
	return balance, nil
}

func (r *queries) Transactions(ctx context.Context, userID string, limit int) ([]domain.WalletTransaction, error) {
	if limit <= 0 {
		limit = defaultTxLimit
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, booking_id, kind, amount, direction, note, created_at
		   FROM wallet_transactions WHERE user_id = $1
		  ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("WalletRepository.Transactions: %w", classify(err))
	}
	defer rows.Close()

	var txs []domain.WalletTransaction
	for rows.Next() {
		var t domain.WalletTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.BookingID, &t.Kind, &t.Amount, &t.Direction, &t.Note, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("WalletRepository.Transactions: scan: %w", err)
		}
		t.CreatedAt = t.CreatedAt.In(time.UTC)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("WalletRepository.Transactions: %w", classify(err))
	}
	return txs, nil
}

func (r *queries) BookingCharges(ctx context.Context, bookingID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions
		  WHERE booking_id = $1 AND kind = $2 AND direction = $3`,
		bookingID, domain.TxParkingCharge, domain.Debit,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("WalletRepository.BookingCharges: %w", classify(err))
	}
	return total, nil
}
