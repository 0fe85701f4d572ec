package calls

import (
	"time"

	"paycall/internal/pricing"

	"github.com/shopspring/decimal"
)

// CallType is shared with pricing so rates can be indexed by segment type.
type CallType = pricing.CallType

const (
	CallTypeAudio = pricing.CallTypeAudio
	CallTypeVideo = pricing.CallTypeVideo
)

// State is the CallManager lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateValidated State = "validated"
	StateActive    State = "active"
	StateEnded     State = "ended"
)

// EndReason tells the client why a call ended. Forced ends and hangups share
// the same settlement path; only the reason differs.
type EndReason string

const (
	EndReasonUserHangup        EndReason = "user_hangup"
	EndReasonBalanceExhausted  EndReason = "balance_exhausted"
	EndReasonConnectionTimeout EndReason = "connection_timeout"
	EndReasonBillingFailed     EndReason = "billing_failed"

	// EndReasonServerShutdown settles calls still running when the process stops.
	EndReasonServerShutdown EndReason = "server_shutdown"
)

func (r EndReason) Valid() bool {
	switch r {
	case EndReasonUserHangup, EndReasonBalanceExhausted, EndReasonConnectionTimeout, EndReasonBillingFailed,
		EndReasonServerShutdown:
		return true
	default:
		return false
	}
}

type RecordStatus string

const (
	RecordStatusActive    RecordStatus = "active"
	RecordStatusCompleted RecordStatus = "completed"
)

// CallRecord is the persisted mirror of a call. The CallManager's in-memory
// session is authoritative while the call is active; the record is updated
// best-effort and finalized at the end.
type CallRecord struct {
	ID           string `json:"id" db:"id"`
	CallerID     string `json:"caller_id" db:"caller_id"`
	HostID       string `json:"host_id" db:"host_id"`
	StreamCallID string `json:"stream_call_id,omitempty" db:"stream_call_id"`

	Type   CallType     `json:"type" db:"type"`
	Status RecordStatus `json:"status" db:"status"`

	DurationSeconds int64           `json:"duration_seconds" db:"duration_seconds"`
	CoinsSpent      decimal.Decimal `json:"coins_spent" db:"coins_spent"`
	AudioSeconds    int64           `json:"audio_seconds" db:"audio_seconds"`
	VideoSeconds    int64           `json:"video_seconds" db:"video_seconds"`
	Segments        []SegmentRecord `json:"segments,omitempty"`
	EndReason       EndReason       `json:"end_reason,omitempty" db:"end_reason"`

	StartedAt time.Time  `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Progress is pushed to the record during incremental billing.
type Progress struct {
	DurationSeconds int64
	CoinsSpent      decimal.Decimal
}

// Final is written once when a call ends.
type Final struct {
	DurationSeconds int64
	CoinsSpent      decimal.Decimal
	AudioSeconds    int64
	VideoSeconds    int64
	Segments        []SegmentRecord
	EndReason       EndReason
	EndedAt         time.Time
}

// SegmentRecord is the persisted form of one billed segment.
type SegmentRecord struct {
	Type            CallType  `json:"type"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int64     `json:"duration_seconds"`
	Coins           int64     `json:"coins"`
}
