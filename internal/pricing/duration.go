package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var sixty = decimal.NewFromInt(60)

// Eligibility is the outcome of a pre-call balance check.
type Eligibility struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

const ReasonInvalidPricing = "invalid pricing"

// MaxDurationSeconds returns how many whole seconds the balance buys at costPerMinute.
// Zero or negative cost yields 0.
func MaxDurationSeconds(balance, costPerMinute decimal.Decimal) int64 {
	if !costPerMinute.IsPositive() || !balance.IsPositive() {
		return 0
	}
	// balance * 60 / cost keeps the division last so whole results stay exact.
	secs := balance.Mul(sixty).Div(costPerMinute).Floor().IntPart()
	if secs < 0 {
		return 0
	}
	return secs
}

// CanStartCall checks that the balance covers the minimum call duration at costPerMinute.
func CanStartCall(balance, costPerMinute decimal.Decimal, minimumDurationSeconds int) Eligibility {
	if !costPerMinute.IsPositive() {
		return Eligibility{Reason: ReasonInvalidPricing}
	}
	required := decimal.NewFromInt(int64(max(minimumDurationSeconds, 0))).Mul(costPerMinute).Div(sixty)
	if balance.LessThan(required) {
		return Eligibility{
			Reason: fmt.Sprintf("insufficient balance: at least %s coins required", required.Ceil().String()),
		}
	}
	return Eligibility{Allowed: true}
}

// MinutesStarted converts elapsed seconds into started minutes.
// Any positive duration counts as at least one minute.
func MinutesStarted(seconds decimal.Decimal) int64 {
	if !seconds.IsPositive() {
		return 0
	}
	return seconds.Div(sixty).Ceil().IntPart()
}

// CoinsFor returns the exact (unrounded) cost of seconds at costPerMinute.
func CoinsFor(seconds, costPerMinute decimal.Decimal) decimal.Decimal {
	if !seconds.IsPositive() {
		return decimal.Zero
	}
	return seconds.Mul(costPerMinute).Div(sixty)
}
