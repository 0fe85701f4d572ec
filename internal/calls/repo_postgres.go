package calls

import (
	"context"
	"database/sql"
	"time"

	"paycall/pkg/utils"

	"github.com/google/uuid"
)

// NOTE: This repository assumes the following tables exist:
// - call_records
// - call_segments (one row per billed segment, written on finalize)

// PostgresStore is the CallRecordStore backed by Postgres (pgx stdlib driver).
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

func (s *PostgresStore) Create(ctx context.Context, rec CallRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = RecordStatusActive
	}
	const q = `
INSERT INTO call_records (id, caller_id, host_id, stream_call_id, type, status, duration_seconds, coins_spent, started_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,0,0,$7,$8)
`
	now := s.clock().UTC()
	if _, err := s.db.ExecContext(ctx, q, rec.ID, rec.CallerID, rec.HostID, rec.StreamCallID, rec.Type, rec.Status, rec.StartedAt, now); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id string, p Progress) error {
	const q = `
UPDATE call_records
SET duration_seconds = $2, coins_spent = $3, updated_at = $4
WHERE id = $1 AND status = 'active'
`
	return s.execOne(ctx, q, id, p.DurationSeconds, p.CoinsSpent, s.clock().UTC())
}

func (s *PostgresStore) UpdateType(ctx context.Context, id string, t CallType) error {
	const q = `
UPDATE call_records
SET type = $2, updated_at = $3
WHERE id = $1 AND status = 'active'
`
	return s.execOne(ctx, q, id, t, s.clock().UTC())
}

// Finalize writes the closing totals and the segment breakdown in one transaction.
func (s *PostgresStore) Finalize(ctx context.Context, id string, f Final) error {
	now := s.clock().UTC()
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const upd = `
UPDATE call_records
SET status = 'completed', duration_seconds = $2, coins_spent = $3,
    audio_seconds = $4, video_seconds = $5, end_reason = $6, ended_at = $7, updated_at = $8
WHERE id = $1
`
		res, err := tx.ExecContext(ctx, upd, id, f.DurationSeconds, f.CoinsSpent, f.AudioSeconds, f.VideoSeconds, f.EndReason, f.EndedAt, now)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrRecordNotFound
		}

		const ins = `
INSERT INTO call_segments (call_id, seq, type, started_at, ended_at, duration_seconds, coins)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
		for i, seg := range f.Segments {
			if _, err := tx.ExecContext(ctx, ins, id, i, seg.Type, seg.StartedAt, seg.EndedAt, seg.DurationSeconds, seg.Coins); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListByCaller(ctx context.Context, callerID string, from, to time.Time) ([]CallRecord, error) {
	const q = `
SELECT id, caller_id, host_id, stream_call_id, type, status, duration_seconds, coins_spent,
       audio_seconds, video_seconds, COALESCE(end_reason, ''), started_at, ended_at, updated_at
FROM call_records
WHERE caller_id = $1 AND started_at >= $2 AND started_at < $3
ORDER BY started_at
`
	rows, err := s.db.QueryContext(ctx, q, callerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var (
			r     CallRecord
			ended sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.CallerID, &r.HostID, &r.StreamCallID, &r.Type, &r.Status,
			&r.DurationSeconds, &r.CoinsSpent, &r.AudioSeconds, &r.VideoSeconds, &r.EndReason,
			&r.StartedAt, &ended, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
