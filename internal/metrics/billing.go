// Package metrics provides Prometheus metrics for call billing and connectivity.
package metrics

import (
	"paycall/internal/calls"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// No caller, host or call record ids in labels.
var (
	callsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "paycall_calls_active",
		Help: "Current number of active billed calls, by starting type.",
	}, []string{"type"})

	callsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycall_calls_ended_total",
		Help: "Total number of settled calls, by end reason.",
	}, []string{"reason"})

	coinsDebitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycall_coins_debited_total",
		Help: "Total coins debited from wallets by incremental billing and settlement.",
	})

	coinsCreditedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycall_coins_credited_total",
		Help: "Total coins credited back to wallets at settlement.",
	})

	billingSyncFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycall_billing_sync_failures_total",
		Help: "Total number of failed billing syncs, by kind.",
	}, []string{"kind"})

	validationDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycall_validation_denied_total",
		Help: "Total number of denied call validations, by reason.",
	}, []string{"reason"})

	connectionTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycall_connection_timeouts_total",
		Help: "Total number of calls whose reconnection grace period expired.",
	})
)

// Billing implements calls.Recorder on the package collectors.
type Billing struct{}

var _ calls.Recorder = Billing{}

func (Billing) CallStarted(t calls.CallType) {
	callsActive.WithLabelValues(normalizeType(t)).Inc()
}

// CallEnded counts settlements. The active gauge is decremented by
// CallFinished, since the end event carries no call type.
func (Billing) CallEnded(reason calls.EndReason) {
	callsEndedTotal.WithLabelValues(normalizeReason(reason)).Inc()
}

func (Billing) CoinsDebited(coins decimal.Decimal) {
	if coins.IsPositive() {
		coinsDebitedTotal.Add(coins.InexactFloat64())
	}
}

func (Billing) CoinsCredited(coins decimal.Decimal) {
	if coins.IsPositive() {
		coinsCreditedTotal.Add(coins.InexactFloat64())
	}
}

func (Billing) SyncFailed(kind string) {
	billingSyncFailuresTotal.WithLabelValues(normalizeKind(kind)).Inc()
}

func (Billing) ValidationDenied(reason string) {
	validationDeniedTotal.WithLabelValues(normalizeDenial(reason)).Inc()
}

// CallFinished decrements the active gauge for a call that started as t.
func (Billing) CallFinished(t calls.CallType) {
	callsActive.WithLabelValues(normalizeType(t)).Dec()
}

// ConnectionTimedOut counts an expired reconnection grace period.
func (Billing) ConnectionTimedOut() {
	connectionTimeoutsTotal.Inc()
}

func normalizeType(t calls.CallType) string {
	if t.Valid() {
		return string(t)
	}
	return "unknown"
}

func normalizeReason(r calls.EndReason) string {
	if r.Valid() {
		return string(r)
	}
	return "unknown"
}

func normalizeKind(kind string) string {
	switch kind {
	case "insufficient_funds", "wallet", "settlement":
		return kind
	default:
		return "unknown"
	}
}

func normalizeDenial(reason string) string {
	switch reason {
	case "insufficient_balance", "invalid_pricing", "lookup_failed", "invalid_request":
		return reason
	default:
		return "unknown"
	}
}
