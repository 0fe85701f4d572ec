package calls

import (
	"context"
	"errors"
	"time"

	"paycall/internal/pricing"
	"paycall/internal/wallet"

	"github.com/shopspring/decimal"
)

var ErrRecordNotFound = errors.New("calls: record not found")

// WalletStore is the caller's coin wallet. AdjustBalance must be atomic and
// apply each idempotency key at most once per user.
type WalletStore interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, idempotencyKey string) (wallet.Adjustment, error)
}

// CallRecordStore persists the remote mirror of each call.
type CallRecordStore interface {
	Create(ctx context.Context, rec CallRecord) (string, error)
	UpdateProgress(ctx context.Context, id string, p Progress) error
	UpdateType(ctx context.Context, id string, t CallType) error
	Finalize(ctx context.Context, id string, f Final) error
}

// PricingSource resolves the effective pricing for a host.
type PricingSource interface {
	ResolveForHost(ctx context.Context, hostID string) (pricing.PricingConfig, error)
}

// TransactionLog records user-facing history lines.
type TransactionLog interface {
	Record(ctx context.Context, t wallet.Transaction) error
}

// RecordLister is implemented by stores that can list a caller's calls.
type RecordLister interface {
	ListByCaller(ctx context.Context, callerID string, from, to time.Time) ([]CallRecord, error)
}
