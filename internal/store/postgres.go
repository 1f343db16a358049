// Package store provides storage backends for CampaignPipe.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CampaignPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOpts(opts)
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, now: cfg.Now}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, userID, conversationID string) (*models.WorkflowSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM workflow_sessions
		 WHERE user_id = $1 AND conversation_id = $2 ORDER BY updated_at DESC LIMIT 1`,
		userID, conversationID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetSession failed", "error", err, "userID", userID, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) LatestSession(ctx context.Context, userID string, since time.Time) (*models.WorkflowSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM workflow_sessions
		 WHERE user_id = $1 AND updated_at >= $2 ORDER BY updated_at DESC LIMIT 1`,
		userID, since.UTC())
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.LatestSession failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load latest session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, sessionID string) ([]models.WorkflowCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, request_id, state, payload, created_at
		 FROM workflow_checkpoints WHERE session_id = $1 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []models.WorkflowCheckpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CommitTurn(ctx context.Context, commit TurnCommit) (err error) {
	if commit.Session == nil {
		return fmt.Errorf("commit without session")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin turn commit: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := s.now().UTC()
	version, err := s.saveSession(ctx, tx, commit.Session, now)
	if err != nil {
		return err
	}

	payload, err := marshalCheckpointPayload(commit.Checkpoint)
	if err != nil {
		return err
	}
	var checkpointID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO workflow_checkpoints (session_id, request_id, state, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		commit.Session.SessionID, commit.Checkpoint.RequestID, string(commit.Checkpoint.State), payload, now,
	).Scan(&checkpointID)
	if err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}

	if commit.Handoff != nil {
		body, err := marshalHandoff(commit.Handoff)
		if err != nil {
			return err
		}
		var notBefore time.Time
		if commit.Handoff.ScheduleAt != nil {
			notBefore = *commit.Handoff.ScheduleAt
		}
		if _, err := s.enqueueOutbox(ctx, tx, commit.Handoff.UserID, HandoffKind, body, commit.Handoff.CampaignID, notBefore); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	commit.Session.Version = version
	slog.Debug("PostgresStore.CommitTurn succeeded", "sessionID", commit.Session.SessionID, "version", version, "checkpointID", checkpointID)
	return nil
}

// saveSession inserts version 1 for new sessions or performs a version CAS
// update. It returns the new version.
func (s *PostgresStore) saveSession(ctx context.Context, tx *sql.Tx, sess *models.WorkflowSession, now time.Time) (int, error) {
	enc, err := encodeSession(sess)
	if err != nil {
		return 0, err
	}
	updatedAt := sess.UpdatedAt.UTC()
	if sess.UpdatedAt.IsZero() {
		updatedAt = now
	}

	if sess.Version == 0 {
		createdAt := sess.CreatedAt.UTC()
		if sess.CreatedAt.IsZero() {
			createdAt = now
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_sessions (`+sessionColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)`,
			sess.SessionID, sess.UserID, sess.ConversationID, string(sess.State), string(sess.Intent),
			nilIfNil(sess.SelectedTemplateID), enc.recipientStats, nilIfNil(sess.Summary), enc.context,
			createdAt, updatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, models.ErrSessionVersionConflict
			}
			return 0, fmt.Errorf("insert session: %w", err)
		}
		return 1, nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_sessions SET state = $1, intent = $2, selected_template_id = $3, recipient_stats = $4,
		 summary = $5, context = $6, version = version + 1, updated_at = $7
		 WHERE session_id = $8 AND version = $9`,
		string(sess.State), string(sess.Intent), nilIfNil(sess.SelectedTemplateID), enc.recipientStats,
		nilIfNil(sess.Summary), enc.context, updatedAt, sess.SessionID, sess.Version,
	)
	if err != nil {
		return 0, fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Warn("PostgresStore.saveSession: version conflict", "sessionID", sess.SessionID, "version", sess.Version)
		return 0, models.ErrSessionVersionConflict
	}
	return sess.Version + 1, nil
}
