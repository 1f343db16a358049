package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/CampaignPipe/internal/util"
)

// Compile-time check that PostgresStore implements OutboxRepo.
var _ OutboxRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueOutboxMessage(ctx context.Context, userID, kind, payloadJSON, dedupeKey string, notBefore time.Time) (string, error) {
	return s.enqueueOutbox(ctx, s.db, userID, kind, payloadJSON, dedupeKey, notBefore)
}

func (s *PostgresStore) enqueueOutbox(ctx context.Context, exec sqlExecutor, userID, kind, payloadJSON, dedupeKey string, notBefore time.Time) (string, error) {
	id := util.GenerateRandomID("outbox_", 32)
	now := s.now().UTC()

	if dedupeKey != "" {
		var existingID string
		err := exec.QueryRowContext(ctx,
			`SELECT id FROM campaign_outbox WHERE dedupe_key = $1 AND status NOT IN ('sent', 'canceled')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	var nextAttempt interface{}
	if !notBefore.IsZero() {
		nextAttempt = notBefore.UTC()
	}
	_, err := exec.ExecContext(ctx,
		`INSERT INTO campaign_outbox (id, user_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, $8)`,
		id, userID, kind, payloadJSON, nextAttempt, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueOutboxMessage", "id", id, "userID", userID, "kind", kind)
	return id, nil
}

func (s *PostgresStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE campaign_outbox SET status = 'sending', locked_at = $1, updated_at = $2
		 WHERE id IN (
		   SELECT id FROM campaign_outbox WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
		   ORDER BY created_at ASC LIMIT $4
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		now, now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

func (s *PostgresStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_outbox SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	status := OutboxStatusQueued
	var next interface{} = nextAttemptAt.UTC()
	if nextAttemptAt.IsZero() {
		status, next = OutboxStatusFailed, nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_outbox SET status = $1, attempts = attempts + 1, last_error = $2, next_attempt_at = $3, locked_at = NULL, updated_at = $4 WHERE id = $5`,
		string(status), errMsg, next, s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE campaign_outbox SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		s.now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}
