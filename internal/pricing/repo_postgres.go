package pricing

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"
)

// NOTE: This repository assumes the following tables exist:
// - pricing_config (single row, id = 1)
// - hosts (audio/video rate columns are nullable NUMERIC)

// PostgresRepo reads pricing documents from Postgres (pgx stdlib driver).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) GetGlobalConfig(ctx context.Context) (PricingConfig, bool, error) {
	const q = `
SELECT audio_cost_per_minute, video_cost_per_minute,
       minimum_duration_seconds, warning_threshold_seconds, reconnection_timeout_seconds
FROM pricing_config
WHERE id = 1
`
	var c PricingConfig
	if err := r.db.QueryRowContext(ctx, q).Scan(
		&c.AudioCostPerMinute,
		&c.VideoCostPerMinute,
		&c.MinimumDurationSeconds,
		&c.WarningThresholdSeconds,
		&c.ReconnectionTimeoutSeconds,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PricingConfig{}, false, nil
		}
		return PricingConfig{}, false, err
	}
	return c, true, nil
}

func (r *PostgresRepo) GetHostRates(ctx context.Context, hostID string) (HostRates, bool, error) {
	const q = `
SELECT id, audio_cost_per_minute, video_cost_per_minute, updated_at
FROM hosts
WHERE id = $1
`
	var (
		h            HostRates
		audio, video decimal.NullDecimal
	)
	if err := r.db.QueryRowContext(ctx, q, hostID).Scan(&h.HostID, &audio, &video, &h.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return HostRates{}, false, nil
		}
		return HostRates{}, false, err
	}
	if audio.Valid {
		h.AudioCostPerMinute = &audio.Decimal
	}
	if video.Valid {
		h.VideoCostPerMinute = &video.Decimal
	}
	return h, true, nil
}
