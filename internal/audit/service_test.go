package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestService_AppendRequiresCallerAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeCallStarted}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{CallerID: "u"}); err == nil {
		t.Fatalf("expected error")
	}
	if len(repo.Events()) != 0 {
		t.Fatalf("expected nothing appended")
	}
}

func TestService_AppendWithoutRepo(t *testing.T) {
	svc := NewService(nil)
	if err := svc.Append(context.Background(), Event{CallerID: "u", Type: EventTypeCallStarted}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_LogCallStarted(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	svc.clock = func() time.Time { return time.Unix(1700000000, 0) }

	err := svc.LogCallStarted(context.Background(), Actor{UserID: "u", Role: "caller", IP: "1.2.3.4"}, "u", "h", "rec1", "video")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	e := evs[0]
	if e.ID == "" || !e.CreatedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("expected id and created_at filled: %+v", e)
	}
	if e.IPAddress != "1.2.3.4" || e.HostID != "h" || e.CallRecordID != "rec1" {
		t.Fatalf("unexpected event: %+v", e)
	}
	if e.Metadata != `{"type":"video"}` {
		t.Fatalf("unexpected metadata: %s", e.Metadata)
	}
}

func TestService_LogCallEnded_ForcedUsesOwnType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	end := CallEnd{CallerID: "u", CallRecordID: "rec1", Reason: "balance_exhausted", CoinsSpent: 45, DurationSeconds: 210}
	if err := svc.LogCallEnded(context.Background(), Actor{UserID: "u"}, end); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	end.Forced = true
	if err := svc.LogCallEnded(context.Background(), Actor{}, end); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Type != EventTypeCallEnded || evs[1].Type != EventTypeCallForcedEnd {
		t.Fatalf("unexpected types: %s, %s", evs[0].Type, evs[1].Type)
	}
	if evs[1].ActorUserID != "" {
		t.Fatalf("expected server actor")
	}

	var meta struct {
		Reason     string `json:"reason"`
		CoinsSpent int64  `json:"coins_spent"`
	}
	if err := json.Unmarshal([]byte(evs[1].Metadata), &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Reason != "balance_exhausted" || meta.CoinsSpent != 45 {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestMemoryRepo_ForCaller(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	_ = svc.LogCallStarted(ctx, Actor{UserID: "a"}, "a", "h", "rec-a", "audio")
	_ = svc.LogCallStarted(ctx, Actor{UserID: "b"}, "b", "h", "rec-b", "video")
	_ = svc.LogCallSwitched(ctx, Actor{UserID: "a"}, "a", "rec-a", "audio", "video")

	evs := repo.ForCaller("a")
	if len(evs) != 2 {
		t.Fatalf("expected 2 events for a, got %d", len(evs))
	}
	if evs[0].Type != EventTypeCallStarted || evs[1].Type != EventTypeCallSwitched {
		t.Fatalf("unexpected order: %s, %s", evs[0].Type, evs[1].Type)
	}
	if got := repo.ForCaller("nobody"); len(got) != 0 {
		t.Fatalf("expected no events, got %d", len(got))
	}
}
