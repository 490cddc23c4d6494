package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TxKind string

const (
	TxTopUp         TxKind = "topup"
	TxParkingCharge TxKind = "parking_charge"
	TxAdjustment    TxKind = "adjustment"
)

type TxDirection string

const (
	Credit TxDirection = "credit"
	Debit  TxDirection = "debit"
)

// WalletTransaction is an append-only ledger row. Amount is always a positive
// magnitude; Direction carries the sign.
type WalletTransaction struct {
	ID        uuid.UUID       `json:"id"`
	UserID    string          `json:"user_id"`
	BookingID uuid.NullUUID   `json:"booking_id"`
	Kind      TxKind          `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Direction TxDirection     `json:"direction"`
	Note      string          `json:"note"`
	CreatedAt time.Time       `json:"created_at"`
}

// Signed returns the balance delta of the transaction.
func (t *WalletTransaction) Signed() decimal.Decimal {
	if t.Direction == Debit {
		return t.Amount.Neg()
	}
	return t.Amount
}

type UserWallet struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type TopUpDTO struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
	Method string          `json:"method"`
}

type WalletChargeDTO struct {
	UserID    string          `json:"user_id" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
	BookingID *uuid.UUID      `json:"booking_id,omitempty"`
	Note      string          `json:"note,omitempty"`
}

type WalletSummary struct {
	UserID       string              `json:"user_id"`
	Balance      decimal.Decimal     `json:"balance"`
	Transactions []WalletTransaction `json:"transactions"`
}
