package reporting

import (
	"time"

	"paycall/internal/calls"

	"github.com/shopspring/decimal"
)

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics for one caller.
type CallsSummaryRequest struct {
	CallerID string    `json:"caller_id"`
	Range    TimeRange `json:"range"`
}

type CallsSummary struct {
	CallerID string `json:"caller_id"`

	TotalCalls     int `json:"total_calls"`
	CompletedCalls int `json:"completed_calls"`
	ActiveCalls    int `json:"active_calls"`

	// ForcedEnds counts completed calls the server ended.
	ForcedEnds int                     `json:"forced_ends"`
	ByReason   map[calls.EndReason]int `json:"by_reason"`

	TotalDurationSeconds   int64 `json:"total_duration_seconds"`
	AverageDurationSeconds int64 `json:"average_duration_seconds"`
	AudioSeconds           int64 `json:"audio_seconds"`
	VideoSeconds           int64 `json:"video_seconds"`

	CoinsSpent decimal.Decimal `json:"coins_spent"`
}

// SpendSummaryRequest requests aggregated wallet movements for one user.
// Spend is derived from the transaction log, not from call records.
type SpendSummaryRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

type SpendSummary struct {
	UserID string `json:"user_id"`

	CallCount int             `json:"call_count"`
	CallSpend decimal.Decimal `json:"call_spend"`
	TopUps    decimal.Decimal `json:"top_ups"`
	Refunds   decimal.Decimal `json:"refunds"`
	NetDelta  decimal.Decimal `json:"net_delta"`
}
