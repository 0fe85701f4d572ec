package audit

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresRepo appends to audit_events. It never updates or deletes.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	if r.db == nil {
		return errors.New("audit: db not configured")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, actor_user_id, actor_role, ip_address, caller_id, host_id, call_record_id, message, metadata, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, '')::jsonb, $11)
	`, e.ID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress, e.CallerID, e.HostID, e.CallRecordID, e.Message, e.Metadata, e.CreatedAt)
	return err
}
