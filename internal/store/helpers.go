package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"errors"
	"log/slog"

	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/BTreeMap/CampaignPipe/internal/workflow"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// sqlExecutor is satisfied by *sql.DB and *sql.Tx.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sessionColumns = `session_id, user_id, conversation_id, state, intent, selected_template_id,
	recipient_stats, summary, context, version, created_at, updated_at`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nilIfNil(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

// encodedSession holds the JSON columns of a session.
type encodedSession struct {
	recipientStats interface{}
	context        string
}

func encodeSession(s *models.WorkflowSession) (encodedSession, error) {
	var enc encodedSession
	if s.RecipientStats != nil {
		b, err := json.Marshal(s.RecipientStats)
		if err != nil {
			return enc, fmt.Errorf("marshal recipient stats: %w", err)
		}
		enc.recipientStats = string(b)
	}
	ctx := s.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return enc, fmt.Errorf("marshal session context: %w", err)
	}
	enc.context = string(b)
	return enc, nil
}

// scanSession reads one session row. Corrupt JSON columns are dropped rather
// than failing the read.
func scanSession(row rowScanner) (*models.WorkflowSession, error) {
	var raw workflow.RawSession
	var templateID, recipientJSON, summary, contextJSON sql.NullString
	err := row.Scan(
		&raw.SessionID, &raw.UserID, &raw.ConversationID, &raw.State, &raw.Intent, &templateID,
		&recipientJSON, &summary, &contextJSON, &raw.Version, &raw.CreatedAt, &raw.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if templateID.Valid {
		raw.SelectedTemplateID = &templateID.String
	}
	if summary.Valid {
		raw.Summary = &summary.String
	}
	if recipientJSON.Valid && recipientJSON.String != "" {
		var stats models.RecipientStats
		if err := json.Unmarshal([]byte(recipientJSON.String), &stats); err != nil {
			slog.Warn("store.scanSession: corrupt recipient stats dropped", "sessionID", raw.SessionID, "error", err)
		} else {
			raw.RecipientStats = &stats
		}
	}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &raw.Context); err != nil {
			slog.Warn("store.scanSession: corrupt context dropped", "sessionID", raw.SessionID, "error", err)
			raw.Context = nil
		}
	}
	return workflow.Hydrate(raw), nil
}

func scanCheckpoint(row rowScanner) (models.WorkflowCheckpoint, error) {
	var cp models.WorkflowCheckpoint
	var state, payloadJSON string
	if err := row.Scan(&cp.ID, &cp.SessionID, &cp.RequestID, &state, &payloadJSON, &cp.CreatedAt); err != nil {
		return cp, fmt.Errorf("scan checkpoint failed: %w", err)
	}
	cp.State = models.WorkflowState(state)
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &cp.Payload); err != nil {
			slog.Warn("store.scanCheckpoint: corrupt payload dropped", "id", cp.ID, "error", err)
		}
	}
	return cp, nil
}

// scanOutboxMessage scans an OutboxMessage from a row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.UserID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

func marshalCheckpointPayload(cp models.WorkflowCheckpoint) (string, error) {
	payload := cp.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint payload: %w", err)
	}
	return string(b), nil
}

func marshalHandoff(h *models.CampaignHandoff) (string, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("marshal campaign handoff: %w", err)
	}
	return string(b), nil
}

// isUniqueViolation reports a primary-key or unique constraint failure from
// either driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
