package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is a user's prepaid coin wallet.
// Invariant: the balance projection must only change together with a ledger entry.
type Wallet struct {
	UserID string       `json:"user_id" db:"user_id"`
	Status WalletStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type WalletStatus string

const (
	WalletStatusActive   WalletStatus = "active"
	WalletStatusDisabled WalletStatus = "disabled"
)

// Balance is the projection row for a wallet.
type Balance struct {
	UserID    string          `json:"user_id"`
	Coins     decimal.Decimal `json:"coins"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LedgerEntry is an immutable append-only balance movement.
// Credits are positive, debits are negative.
type LedgerEntry struct {
	ID     string          `json:"id" db:"id"`
	UserID string          `json:"user_id" db:"user_id"`
	Type   LedgerEntryType `json:"type" db:"type"`
	Amount decimal.Decimal `json:"amount" db:"amount"`

	// IdempotencyKey makes a retried money movement apply at most once per user.
	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Adjustment is the outcome of AdjustBalance. Amount is the delta the ledger
// holds for the key, which on a replay is the delta of the original request.
type Adjustment struct {
	Balance  decimal.Decimal `json:"balance"`
	Amount   decimal.Decimal `json:"amount"`
	Replayed bool            `json:"replayed"`
}

type LedgerEntryType string

const (
	LedgerEntryTypeCredit LedgerEntryType = "credit"
	LedgerEntryTypeDebit  LedgerEntryType = "debit"
)

// Transaction is the user-facing history line written after a call settles.
type Transaction struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Type        TransactionType `json:"type" db:"type"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Description string          `json:"description" db:"description"`

	// Reference is optional: call record id, top-up id, etc.
	Reference string `json:"reference,omitempty" db:"reference"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type TransactionType string

const (
	TransactionTypeCall   TransactionType = "call"
	TransactionTypeTopUp  TransactionType = "topup"
	TransactionTypeRefund TransactionType = "refund"
)
