package reporting

import (
	"context"
	"errors"
	"time"

	"paycall/internal/calls"
	"paycall/internal/wallet"

	"github.com/shopspring/decimal"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// TransactionLister reads a user's transaction history.
type TransactionLister interface {
	ListTransactions(ctx context.Context, userID string, from, to time.Time) ([]wallet.Transaction, error)
}

// TransactionsFunc adapts a function, such as wallet.Service.Transactions,
// to TransactionLister.
type TransactionsFunc func(ctx context.Context, userID string, from, to time.Time) ([]wallet.Transaction, error)

func (f TransactionsFunc) ListTransactions(ctx context.Context, userID string, from, to time.Time) ([]wallet.Transaction, error) {
	return f(ctx, userID, from, to)
}

// Service aggregates a caller's history. Both sources are read-only.
type Service struct {
	records calls.RecordLister
	txs     TransactionLister
}

func NewService(records calls.RecordLister, txs TransactionLister) *Service {
	return &Service{records: records, txs: txs}
}

func validRange(r TimeRange) bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.CallerID == "" || !validRange(req.Range) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.records == nil {
		return CallsSummary{}, errors.New("reporting: call records not configured")
	}

	rows, err := s.records.ListByCaller(ctx, req.CallerID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{CallerID: req.CallerID, ByReason: map[calls.EndReason]int{}, CoinsSpent: decimal.Zero}
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		out.AudioSeconds += c.AudioSeconds
		out.VideoSeconds += c.VideoSeconds
		out.CoinsSpent = out.CoinsSpent.Add(c.CoinsSpent)

		switch c.Status {
		case calls.RecordStatusCompleted:
			out.CompletedCalls++
			out.ByReason[c.EndReason]++
			if c.EndReason != calls.EndReasonUserHangup {
				out.ForcedEnds++
			}
		case calls.RecordStatusActive:
			out.ActiveCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / int64(out.TotalCalls)
	}
	return out, nil
}

func (s *Service) SpendSummary(ctx context.Context, req SpendSummaryRequest) (SpendSummary, error) {
	if req.UserID == "" || !validRange(req.Range) {
		return SpendSummary{}, ErrInvalidRequest
	}
	if s.txs == nil {
		return SpendSummary{}, errors.New("reporting: transaction log not configured")
	}

	txs, err := s.txs.ListTransactions(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return SpendSummary{}, err
	}

	out := SpendSummary{
		UserID:    req.UserID,
		CallSpend: decimal.Zero,
		TopUps:    decimal.Zero,
		Refunds:   decimal.Zero,
		NetDelta:  decimal.Zero,
	}
	for _, t := range txs {
		out.NetDelta = out.NetDelta.Add(t.Amount)
		switch t.Type {
		case wallet.TransactionTypeCall:
			out.CallCount++
			// Call lines are negative; a credit-back can make one positive.
			out.CallSpend = out.CallSpend.Sub(t.Amount)
		case wallet.TransactionTypeTopUp:
			out.TopUps = out.TopUps.Add(t.Amount)
		case wallet.TransactionTypeRefund:
			out.Refunds = out.Refunds.Add(t.Amount)
		}
	}
	return out, nil
}
