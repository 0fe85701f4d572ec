package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"paycall/internal/calls"
	"paycall/internal/wallet"
)

// MemoryRepo is a simple in-memory reporting source for tests and early development.
// It serves both call records and transactions from plain slices.
type MemoryRepo struct {
	mu sync.Mutex

	Calls        []calls.CallRecord
	Transactions []wallet.Transaction
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) ListByCaller(ctx context.Context, callerID string, from, to time.Time) ([]calls.CallRecord, error) {
	if callerID == "" {
		return nil, errors.New("caller_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.CallRecord, 0)
	for _, c := range r.Calls {
		if c.CallerID != callerID {
			continue
		}
		if c.StartedAt.Before(from) || !c.StartedAt.Before(to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *MemoryRepo) ListTransactions(ctx context.Context, userID string, from, to time.Time) ([]wallet.Transaction, error) {
	if userID == "" {
		return nil, errors.New("user_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wallet.Transaction, 0)
	for _, t := range r.Transactions {
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
