package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory wallet + transaction log for tests and local runs.
// It keeps the same invariants as Service: every balance change has a ledger entry.
type MemoryStore struct {
	mu sync.Mutex

	balances     map[string]decimal.Decimal
	ledger       []LedgerEntry
	byKey        map[idempotencyKey]LedgerEntry
	transactions []Transaction

	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: map[string]decimal.Decimal{},
		byKey:    map[idempotencyKey]LedgerEntry{},
		clock:    time.Now,
	}
}

type idempotencyKey struct{ userID, key string }

// SetBalance seeds a wallet; it is not recorded in the ledger.
func (m *MemoryStore) SetBalance(userID string, coins decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = coins
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[userID]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, key string) (Adjustment, error) {
	if err := validateAdjustment(userID, delta, key); err != nil {
		return Adjustment{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[userID]
	if !ok {
		return Adjustment{}, ErrNotFound
	}
	if existing, ok := m.byKey[idempotencyKey{userID, key}]; ok {
		return Adjustment{Balance: b, Amount: existing.Amount, Replayed: true}, nil
	}
	next := b.Add(delta)
	if next.IsNegative() {
		return Adjustment{}, ErrInsufficientFunds
	}

	typ := LedgerEntryTypeCredit
	if delta.IsNegative() {
		typ = LedgerEntryTypeDebit
	}
	e := LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           typ,
		Amount:         delta,
		IdempotencyKey: key,
		CreatedAt:      m.clock().UTC(),
	}
	m.ledger = append(m.ledger, e)
	m.byKey[idempotencyKey{userID, key}] = e
	m.balances[userID] = next
	return Adjustment{Balance: next, Amount: delta}, nil
}

func (m *MemoryStore) Record(ctx context.Context, t Transaction) error {
	t, err := normalizeTransaction(t, m.clock)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = append(m.transactions, t)
	return nil
}

func (m *MemoryStore) Transactions(ctx context.Context, userID string, from, to time.Time) ([]Transaction, error) {
	if userID == "" {
		return nil, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transaction, 0)
	for _, t := range m.transactions {
		if t.UserID != userID {
			continue
		}
		if t.CreatedAt.Before(from) || !t.CreatedAt.Before(to) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Ledger returns a copy of all ledger entries for userID.
func (m *MemoryStore) Ledger(userID string) []LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LedgerEntry, 0)
	for _, e := range m.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}
