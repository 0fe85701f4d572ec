package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information about call lifecycles.
//
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallerID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogCallStarted records a call that began billing.
func (s *Service) LogCallStarted(ctx context.Context, actor Actor, callerID, hostID, callRecordID, callType string) error {
	return s.Append(ctx, Event{
		Type:         EventTypeCallStarted,
		ActorUserID:  actor.UserID,
		ActorRole:    actor.Role,
		IPAddress:    actor.IP,
		CallerID:     callerID,
		HostID:       hostID,
		CallRecordID: callRecordID,
		Message:      "call started",
		Metadata:     metadata(map[string]any{"type": callType}),
	})
}

// LogCallSwitched records a mid-call type change.
func (s *Service) LogCallSwitched(ctx context.Context, actor Actor, callerID, callRecordID, from, to string) error {
	return s.Append(ctx, Event{
		Type:         EventTypeCallSwitched,
		ActorUserID:  actor.UserID,
		ActorRole:    actor.Role,
		IPAddress:    actor.IP,
		CallerID:     callerID,
		CallRecordID: callRecordID,
		Message:      "call type switched",
		Metadata:     metadata(map[string]any{"from": from, "to": to}),
	})
}

// CallEnd describes a settled call.
type CallEnd struct {
	CallerID        string
	HostID          string
	CallRecordID    string
	Reason          string
	CoinsSpent      int64
	DurationSeconds int64
	// Forced is set when the server ended the call rather than a participant.
	Forced bool
}

// LogCallEnded records a settlement. Forced ends get their own event type so
// they can be reviewed without scanning every hangup.
func (s *Service) LogCallEnded(ctx context.Context, actor Actor, end CallEnd) error {
	typ, msg := EventTypeCallEnded, "call ended"
	if end.Forced {
		typ, msg = EventTypeCallForcedEnd, "call ended by server"
	}
	return s.Append(ctx, Event{
		Type:         typ,
		ActorUserID:  actor.UserID,
		ActorRole:    actor.Role,
		IPAddress:    actor.IP,
		CallerID:     end.CallerID,
		HostID:       end.HostID,
		CallRecordID: end.CallRecordID,
		Message:      msg,
		Metadata: metadata(map[string]any{
			"reason":           end.Reason,
			"coins_spent":      end.CoinsSpent,
			"duration_seconds": end.DurationSeconds,
		}),
	})
}

func metadata(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
