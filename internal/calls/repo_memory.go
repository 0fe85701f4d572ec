package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory CallRecordStore for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]CallRecord

	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]CallRecord{}, clock: time.Now}
}

func (m *MemoryStore) Create(ctx context.Context, rec CallRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = RecordStatusActive
	}
	rec.UpdatedAt = m.clock().UTC()
	m.records[rec.ID] = rec
	return rec.ID, nil
}

func (m *MemoryStore) UpdateProgress(ctx context.Context, id string, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	rec.DurationSeconds = p.DurationSeconds
	rec.CoinsSpent = p.CoinsSpent
	rec.UpdatedAt = m.clock().UTC()
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) UpdateType(ctx context.Context, id string, t CallType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	rec.Type = t
	rec.UpdatedAt = m.clock().UTC()
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) Finalize(ctx context.Context, id string, f Final) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	ended := f.EndedAt
	rec.Status = RecordStatusCompleted
	rec.DurationSeconds = f.DurationSeconds
	rec.CoinsSpent = f.CoinsSpent
	rec.AudioSeconds = f.AudioSeconds
	rec.VideoSeconds = f.VideoSeconds
	rec.Segments = append([]SegmentRecord(nil), f.Segments...)
	rec.EndReason = f.EndReason
	rec.EndedAt = &ended
	rec.UpdatedAt = m.clock().UTC()
	m.records[id] = rec
	return nil
}

// Get returns a copy of the record with id.
func (m *MemoryStore) Get(ctx context.Context, id string) (CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return CallRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

// ListByCaller returns callerID's records started in [from, to), oldest first.
func (m *MemoryStore) ListByCaller(ctx context.Context, callerID string, from, to time.Time) ([]CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, 0)
	for _, r := range m.records {
		if r.CallerID != callerID {
			continue
		}
		if r.StartedAt.Before(from) || !r.StartedAt.Before(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
