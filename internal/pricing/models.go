package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Amounts are expressed in coins using exact decimals.
// Rounding to whole coins only happens where the wallet is touched.

// CallType selects which per-minute rate applies to a span of call time.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// CallTypeFor maps the is-video flag used at the API boundary.
func CallTypeFor(isVideo bool) CallType {
	if isVideo {
		return CallTypeVideo
	}
	return CallTypeAudio
}

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// PricingConfig is the effective pricing for one call.
// It is resolved once at validation time and never changes while the call is active.
type PricingConfig struct {
	AudioCostPerMinute decimal.Decimal `json:"audio_cost_per_minute"`
	VideoCostPerMinute decimal.Decimal `json:"video_cost_per_minute"`

	// MinimumDurationSeconds is the balance floor (expressed in call time) required to start.
	MinimumDurationSeconds int `json:"minimum_duration_seconds"`

	// WarningThresholdSeconds marks the low-balance warning window.
	WarningThresholdSeconds int `json:"warning_threshold_seconds"`

	// ReconnectionTimeoutSeconds is the grace period after connectivity loss.
	ReconnectionTimeoutSeconds int `json:"reconnection_timeout_seconds"`
}

// RateFor returns the per-minute rate for the given call type.
func (p PricingConfig) RateFor(t CallType) decimal.Decimal {
	if t == CallTypeVideo {
		return p.VideoCostPerMinute
	}
	return p.AudioCostPerMinute
}

// HostRates holds a host's optional per-minute overrides.
// A nil field means the host did not set that rate.
type HostRates struct {
	HostID             string           `json:"host_id" db:"id"`
	AudioCostPerMinute *decimal.Decimal `json:"audio_cost_per_minute,omitempty" db:"audio_cost_per_minute"`
	VideoCostPerMinute *decimal.Decimal `json:"video_cost_per_minute,omitempty" db:"video_cost_per_minute"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
