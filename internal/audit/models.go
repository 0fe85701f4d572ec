package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - caller_id is required; every event belongs to one caller's call.
// - actor and ip capture are best-effort; do not block billing on audit failures.
//
// Storage (Postgres): table audit_events with an INSERT-only policy.
type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the lifecycle step of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event (if applicable).
	// It is empty for events the server triggers itself, such as a forced end.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	CallerID     string `json:"caller_id" db:"caller_id"`
	HostID       string `json:"host_id,omitempty" db:"host_id"`
	CallRecordID string `json:"call_record_id,omitempty" db:"call_record_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallStarted  EventType = "call_started"
	EventTypeCallSwitched EventType = "call_type_switched"
	EventTypeCallEnded    EventType = "call_ended"
	// EventTypeCallForcedEnd is a call the server ended: balance, connectivity or billing.
	EventTypeCallForcedEnd EventType = "call_forced_end"
)

// Actor identifies who triggered an event. The zero value means the server.
type Actor struct {
	UserID string
	Role   string
	IP     string
}
