package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// NOTE: This repository assumes the following tables exist:
// - wallets
// - wallet_ledger (immutable append-only)
// - wallet_balances (projection, balance NUMERIC)
// - wallet_transactions (user-facing history)
//
// It also assumes an idempotency constraint on the ledger:
// UNIQUE (user_id, idempotency_key)

func lockWallet(ctx context.Context, tx *sql.Tx, userID string) (Wallet, error) {
	// Lock the wallet row to serialize concurrent money operations per user.
	const q = `
SELECT user_id, status, created_at, updated_at
FROM wallets
WHERE user_id = $1
FOR UPDATE
`
	var w Wallet
	if err := tx.QueryRowContext(ctx, q, userID).Scan(
		&w.UserID,
		&w.Status,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBalance(ctx context.Context, q rowQuerier, userID string, forUpdate bool) (Balance, error) {
	query := `
SELECT user_id, balance, updated_at
FROM wallet_balances
WHERE user_id = $1
`
	if forUpdate {
		query += "FOR UPDATE\n"
	}
	var b Balance
	if err := q.QueryRowContext(ctx, query, userID).Scan(
		&b.UserID,
		&b.Coins,
		&b.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func findLedgerByIdempotency(ctx context.Context, tx *sql.Tx, userID, key string) (LedgerEntry, bool, error) {
	const q = `
SELECT id, user_id, type, amount, idempotency_key, created_at
FROM wallet_ledger
WHERE user_id = $1 AND idempotency_key = $2
`
	var e LedgerEntry
	if err := tx.QueryRowContext(ctx, q, userID, key).Scan(
		&e.ID,
		&e.UserID,
		&e.Type,
		&e.Amount,
		&e.IdempotencyKey,
		&e.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LedgerEntry{}, false, nil
		}
		return LedgerEntry{}, false, err
	}
	return e, true, nil
}

func insertLedger(ctx context.Context, tx *sql.Tx, e LedgerEntry) error {
	const q = `
INSERT INTO wallet_ledger (id, user_id, type, amount, idempotency_key, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`
	_, err := tx.ExecContext(ctx, q, e.ID, e.UserID, e.Type, e.Amount, e.IdempotencyKey, e.CreatedAt)
	return err
}

func applyBalanceDelta(ctx context.Context, tx *sql.Tx, userID string, delta decimal.Decimal, now time.Time) (Balance, error) {
	const q = `
INSERT INTO wallet_balances (user_id, balance, updated_at)
VALUES ($1,$2,$3)
ON CONFLICT (user_id)
DO UPDATE SET balance = wallet_balances.balance + EXCLUDED.balance,
              updated_at = EXCLUDED.updated_at
RETURNING user_id, balance, updated_at
`
	var b Balance
	if err := tx.QueryRowContext(ctx, q, userID, delta, now).Scan(
		&b.UserID,
		&b.Coins,
		&b.UpdatedAt,
	); err != nil {
		return Balance{}, err
	}
	return b, nil
}

func insertTransaction(ctx context.Context, db *sql.DB, t Transaction) error {
	const q = `
INSERT INTO wallet_transactions (id, user_id, type, amount, description, reference, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	_, err := db.ExecContext(ctx, q, t.ID, t.UserID, t.Type, t.Amount, t.Description, t.Reference, t.CreatedAt)
	return err
}

func listTransactions(ctx context.Context, db *sql.DB, userID string, from, to time.Time) ([]Transaction, error) {
	const q = `
SELECT id, user_id, type, amount, description, reference, created_at
FROM wallet_transactions
WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at
`
	rows, err := db.QueryContext(ctx, q, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Description, &t.Reference, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
