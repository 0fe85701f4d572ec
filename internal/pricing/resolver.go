package pricing

import "github.com/shopspring/decimal"

// Resolve merges the global pricing with a host's per-minute overrides.
//
// Rules:
// - host audio/video rates win over the global defaults when set
// - minimum duration, warning threshold and reconnection timeout always come from global
// - nil host returns the global config unchanged
//
// Negative values are clamped to zero so downstream math never sees them.
func Resolve(global PricingConfig, host *HostRates) PricingConfig {
	out := PricingConfig{
		AudioCostPerMinute:         nonNegative(global.AudioCostPerMinute),
		VideoCostPerMinute:         nonNegative(global.VideoCostPerMinute),
		MinimumDurationSeconds:     max(global.MinimumDurationSeconds, 0),
		WarningThresholdSeconds:    max(global.WarningThresholdSeconds, 0),
		ReconnectionTimeoutSeconds: max(global.ReconnectionTimeoutSeconds, 0),
	}
	if host == nil {
		return out
	}
	if host.AudioCostPerMinute != nil {
		out.AudioCostPerMinute = nonNegative(*host.AudioCostPerMinute)
	}
	if host.VideoCostPerMinute != nil {
		out.VideoCostPerMinute = nonNegative(*host.VideoCostPerMinute)
	}
	return out
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
