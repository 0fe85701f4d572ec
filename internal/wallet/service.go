package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"paycall/pkg/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service provides coin wallet operations backed by Postgres.
//
// Money invariants:
// - No balance updates without a ledger entry
// - Ledger is append-only (immutable)
// - All money operations run in one DB transaction with the wallet row locked
//
// Balance strategy:
// - Balance is stored in a projection table (wallet_balances) updated atomically
//   alongside ledger inserts.
type Service struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, clock: time.Now}
}

var (
	ErrNotFound          = errors.New("wallet: not found")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrInvalidArgument   = errors.New("wallet: invalid argument")
	ErrWalletDisabled    = errors.New("wallet: disabled")
)

// Balance returns the projection row for userID.
func (s *Service) Balance(ctx context.Context, userID string) (Balance, error) {
	if userID == "" {
		return Balance{}, ErrInvalidArgument
	}
	return getBalance(ctx, s.db, userID, false)
}

// GetBalance returns the current coin balance for userID.
func (s *Service) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	b, err := s.Balance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Coins, nil
}

// AdjustBalance applies delta (negative = debit, positive = credit) atomically.
// Debits never take the balance below zero.
//
// idempotencyKey is required: a second request with the same key for the same
// user applies nothing and returns the original movement with Replayed set.
func (s *Service) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, idempotencyKey string) (Adjustment, error) {
	if err := validateAdjustment(userID, delta, idempotencyKey); err != nil {
		return Adjustment{}, err
	}

	now := s.clock().UTC()
	entry := LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           LedgerEntryTypeCredit,
		Amount:         delta,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}
	if delta.IsNegative() {
		entry.Type = LedgerEntryTypeDebit
	}

	var out Adjustment
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		w, err := lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}

		// Idempotency: an entry already posted under this key wins.
		if existing, ok, err := findLedgerByIdempotency(ctx, tx, userID, idempotencyKey); err != nil {
			return err
		} else if ok {
			b, err := getBalance(ctx, tx, userID, false)
			if err != nil {
				return err
			}
			out = Adjustment{Balance: b.Coins, Amount: existing.Amount, Replayed: true}
			return nil
		}

		if w.Status == WalletStatusDisabled {
			return ErrWalletDisabled
		}
		if delta.IsNegative() {
			b, err := getBalance(ctx, tx, userID, true)
			if err != nil {
				return err
			}
			if b.Coins.Add(delta).IsNegative() {
				return ErrInsufficientFunds
			}
		}

		if err := insertLedger(ctx, tx, entry); err != nil {
			return err
		}
		b, err := applyBalanceDelta(ctx, tx, userID, delta, now)
		if err != nil {
			return err
		}
		out = Adjustment{Balance: b.Coins, Amount: delta}
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}
	return out, nil
}

// Record appends a user-facing transaction history line.
func (s *Service) Record(ctx context.Context, t Transaction) error {
	t, err := normalizeTransaction(t, s.clock)
	if err != nil {
		return err
	}
	return insertTransaction(ctx, s.db, t)
}

// Transactions lists a user's history lines in [from, to).
func (s *Service) Transactions(ctx context.Context, userID string, from, to time.Time) ([]Transaction, error) {
	if userID == "" {
		return nil, ErrInvalidArgument
	}
	return listTransactions(ctx, s.db, userID, from, to)
}

func validateAdjustment(userID string, delta decimal.Decimal, idempotencyKey string) error {
	if userID == "" || idempotencyKey == "" {
		return ErrInvalidArgument
	}
	if delta.IsZero() {
		return ErrInvalidArgument
	}
	return nil
}

func normalizeTransaction(t Transaction, clock func() time.Time) (Transaction, error) {
	if t.UserID == "" || t.Type == "" {
		return Transaction{}, ErrInvalidArgument
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = clock().UTC()
	}
	return t, nil
}
