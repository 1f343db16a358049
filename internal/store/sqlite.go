// Package store provides storage backends for CampaignPipe.
//
// This file implements an SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/CampaignPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOpts(opts)
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	if dsn != ":memory:" {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		slog.Debug("SQLite database directory verified/created", "dir", dir)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer connection keeps transactions from tripping over
	// SQLITE_BUSY and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, now: cfg.Now}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, userID, conversationID string) (*models.WorkflowSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM workflow_sessions
		 WHERE user_id = ? AND conversation_id = ? ORDER BY updated_at DESC LIMIT 1`,
		userID, conversationID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetSession failed", "error", err, "userID", userID, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) LatestSession(ctx context.Context, userID string, since time.Time) (*models.WorkflowSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM workflow_sessions
		 WHERE user_id = ? AND updated_at >= ? ORDER BY updated_at DESC LIMIT 1`,
		userID, since.UTC())
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.LatestSession failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load latest session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, sessionID string) ([]models.WorkflowCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, request_id, state, payload, created_at
		 FROM workflow_checkpoints WHERE session_id = ? ORDER BY id ASC`, sessionID)
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

func (s *SQLiteStore) CommitTurn(ctx context.Context, commit TurnCommit) (err error) {
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
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
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
	slog.Debug("SQLiteStore.CommitTurn succeeded", "sessionID", commit.Session.SessionID, "version", version, "checkpointID", checkpointID)
	return nil
}

// saveSession inserts version 1 for new sessions or performs a version CAS
// update. It returns the new version.
func (s *SQLiteStore) saveSession(ctx context.Context, tx *sql.Tx, sess *models.WorkflowSession, now time.Time) (int, error) {
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
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
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
		`UPDATE workflow_sessions SET state = ?, intent = ?, selected_template_id = ?, recipient_stats = ?,
		 summary = ?, context = ?, version = version + 1, updated_at = ?
		 WHERE session_id = ? AND version = ?`,
		string(sess.State), string(sess.Intent), nilIfNil(sess.SelectedTemplateID), enc.recipientStats,
		nilIfNil(sess.Summary), enc.context, updatedAt, sess.SessionID, sess.Version,
	)
	if err != nil {
		return 0, fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Warn("SQLiteStore.saveSession: version conflict", "sessionID", sess.SessionID, "version", sess.Version)
		return 0, models.ErrSessionVersionConflict
	}
	return sess.Version + 1, nil
}
