package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"smart_bays/internal/clock"
	"smart_bays/internal/domain"
	"smart_bays/internal/metrics"
	"smart_bays/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WalletLedger is the only writer of wallet rows. Standalone operations are
// serialized per user; debits made on behalf of a booking run inside the
// booking's transaction through DebitTx.
type WalletLedger struct {
	store repository.Store
	clock clock.Clock
	out   *dispatcher
	locks *keyedMutex
	retry retryPolicy
}

func NewWalletLedger(store repository.Store, clk clock.Clock, notifier Notifier, pool Egress) *WalletLedger {
	return &WalletLedger{
		store: store,
		clock: clk,
		out:   &dispatcher{notifier: notifier, pool: pool},
		locks: newKeyedMutex(),
		retry: retryPolicy{maxRetries: 3},
	}
}

func validAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidArgument, amount)
	}
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("%w: amount %s has more than two decimal places", ErrInvalidArgument, amount)
	}
	return nil
}

// Credit records a top-up and returns the new balance.
func (l *WalletLedger) Credit(ctx context.Context, userID string, amount decimal.Decimal, note string) (decimal.Decimal, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return decimal.Zero, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if err := validAmount(amount); err != nil {
		return decimal.Zero, err
	}
	tx := &domain.WalletTransaction{
		ID:        uuid.New(),
		UserID:    userID,
		Kind:      domain.TxTopUp,
		Direction: domain.Credit,
		Amount:    amount,
		Note:      note,
	}
	balance, err := l.write(ctx, "WalletLedger.Credit", tx)
	if err != nil {
		return decimal.Zero, err
	}
	metrics.Credits.Inc()
	l.out.send(domain.Notification{
		Kind:   domain.NotifyTopUpAck,
		UserID: userID,
		Ref:    tx.ID.String(),
		Payload: map[string]any{
			"amount":  amount.StringFixed(2),
			"balance": balance.StringFixed(2),
			"note":    note,
		},
		CreatedAt: tx.CreatedAt,
	})
	return balance, nil
}

// Charge records an admin adjustment debit that is not tied to a booking's
// billing. Overdraft is allowed.
func (l *WalletLedger) Charge(ctx context.Context, userID string, amount decimal.Decimal, bookingID uuid.NullUUID, note string) (decimal.Decimal, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return decimal.Zero, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if err := validAmount(amount); err != nil {
		return decimal.Zero, err
	}
	tx := &domain.WalletTransaction{
		ID:        uuid.New(),
		UserID:    userID,
		BookingID: bookingID,
		Kind:      domain.TxAdjustment,
		Direction: domain.Debit,
		Amount:    amount,
		Note:      note,
	}
	balance, err := l.write(ctx, "WalletLedger.Charge", tx)
	if err != nil {
		return decimal.Zero, err
	}
	metrics.Debits.WithLabelValues(string(domain.TxAdjustment)).Inc()
	metrics.DebitAmount.WithLabelValues(string(domain.TxAdjustment)).Add(amount.InexactFloat64())
	if crossedZero(balance.Add(amount), balance) {
		l.out.send(negativeBalanceAlert(tx, balance))
	}
	return balance, nil
}

func (l *WalletLedger) write(ctx context.Context, op string, tx *domain.WalletTransaction) (decimal.Decimal, error) {
	unlock, err := l.locks.Lock(ctx, tx.UserID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: waiting for wallet lock: %v", ErrTimeout, op, err)
	}
	defer unlock()

	var balance decimal.Decimal
	err = l.retry.do(op, func() error {
		return l.store.WithinTx(context.WithoutCancel(ctx), func(q repository.Queries) error {
			tx.CreatedAt = l.clock.Now()
			var err error
			balance, err = q.AppendWalletTx(ctx, tx)
			return err
		})
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", op, err)
	}
	return balance, nil
}

// DebitTx appends a parking_charge debit inside q's transaction. It returns a
// negative_balance alert if the debit took the balance from >= 0 to < 0; the
// caller dispatches it after commit.
func (l *WalletLedger) DebitTx(ctx context.Context, q repository.Queries, userID string, bookingID uuid.UUID, amount decimal.Decimal, note string) (*domain.Notification, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("WalletLedger.DebitTx: %w: amount must be positive, got %s", ErrInvalidArgument, amount)
	}
	tx := &domain.WalletTransaction{
		ID:        uuid.New(),
		UserID:    userID,
		BookingID: uuid.NullUUID{UUID: bookingID, Valid: true},
		Kind:      domain.TxParkingCharge,
		Direction: domain.Debit,
		Amount:    amount,
		Note:      note,
		CreatedAt: l.clock.Now(),
	}
	after, err := q.AppendWalletTx(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("WalletLedger.DebitTx: %w", err)
	}
	if crossedZero(after.Add(amount), after) {
		alert := negativeBalanceAlert(tx, after)
		return &alert, nil
	}
	return nil, nil
}

func crossedZero(before, after decimal.Decimal) bool {
	return !before.IsNegative() && after.IsNegative()
}

func negativeBalanceAlert(tx *domain.WalletTransaction, balance decimal.Decimal) domain.Notification {
	return domain.Notification{
		Kind:      domain.NotifyNegativeBalance,
		UserID:    tx.UserID,
		BookingID: tx.BookingID,
		Ref:       tx.ID.String(),
		Payload: map[string]any{
			"balance": balance.StringFixed(2),
			"debit":   tx.Amount.StringFixed(2),
		},
		CreatedAt: tx.CreatedAt,
	}
}

func (l *WalletLedger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	bal, err := l.store.Balance(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("WalletLedger.Balance: %w", err)
	}
	return bal, nil
}

func (l *WalletLedger) Transactions(ctx context.Context, userID string, limit int) ([]domain.WalletTransaction, error) {
	txs, err := l.store.Transactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("WalletLedger.Transactions: %w", err)
	}
	return txs, nil
}

// Summary is the balance plus the most recent transactions.
func (l *WalletLedger) Summary(ctx context.Context, userID string, limit int) (*domain.WalletSummary, error) {
	bal, err := l.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	txs, err := l.Transactions(ctx, userID, limit)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if txs == nil {
		txs = []domain.WalletTransaction{}
	}
	return &domain.WalletSummary{UserID: userID, Balance: bal, Transactions: txs}, nil
}
