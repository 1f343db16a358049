package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CampaignPipe/internal/models"
)

func (s *SQLiteStore) GetUsage(ctx context.Context, bucketKey, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT requests FROM usage_ledger WHERE bucket_key = ? AND user_id = ?`, bucketKey, userID,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) IncrementUsage(ctx context.Context, bucketKey, userID string, delta int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO usage_ledger (bucket_key, user_id, requests, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (bucket_key, user_id) DO UPDATE SET requests = usage_ledger.requests + excluded.requests, updated_at = excluded.updated_at
		 RETURNING requests`,
		bucketKey, userID, delta, s.now().UTC(),
	).Scan(&n)
	if err != nil {
		slog.Error("SQLiteStore.IncrementUsage failed", "error", err, "bucketKey", bucketKey, "userID", userID)
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) RecordTelemetry(ctx context.Context, rec models.TelemetryRecord) error {
	createdAt := rec.CreatedAt.UTC()
	if rec.CreatedAt.IsZero() {
		createdAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_telemetry (request_id, session_id, user_id, provider, model, latency_ms, token_in, token_out,
		 estimated_cost_usd, status, error_code, moderation_action, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.SessionID, rec.UserID, rec.Provider, rec.Model, rec.LatencyMs, rec.TokenIn, rec.TokenOut,
		rec.EstimatedCostUSD, string(rec.Status), nilIfEmpty(rec.ErrorCode), rec.ModerationAction, createdAt,
	)
	if err != nil {
		return fmt.Errorf("record telemetry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TelemetryStats(ctx context.Context, since time.Time) (models.TelemetryStats, error) {
	var stats models.TelemetryStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0), COALESCE(AVG(latency_ms), 0)
		 FROM ai_telemetry WHERE created_at >= ?`, since.UTC(),
	).Scan(&stats.TotalRequests, &stats.FailedRequests, &stats.AvgLatencyMs)
	if err != nil {
		return stats, fmt.Errorf("telemetry stats: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) PruneTelemetry(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ai_telemetry WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune telemetry: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
