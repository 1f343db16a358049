// Package store provides storage backends for CampaignPipe.
//
// Every backend persists workflow sessions with optimistic versioning, the
// append-only checkpoint trail, the usage ledger, generation telemetry and the
// campaign delivery outbox.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/CampaignPipe/internal/models"
)

// SessionRepo loads and lists workflow sessions.
type SessionRepo interface {
	// GetSession returns the most recent session for the conversation, or nil
	// when none exists.
	GetSession(ctx context.Context, userID, conversationID string) (*models.WorkflowSession, error)
	// LatestSession returns the user's most recently updated session touched
	// at or after since, or nil.
	LatestSession(ctx context.Context, userID string, since time.Time) (*models.WorkflowSession, error)
	// ListCheckpoints returns a session's checkpoints oldest first.
	ListCheckpoints(ctx context.Context, sessionID string) ([]models.WorkflowCheckpoint, error)
	// CommitTurn atomically saves the session, appends the checkpoint and
	// enqueues the optional delivery handoff. A session whose stored version
	// differs from commit.Session.Version fails with
	// models.ErrSessionVersionConflict. On success Session.Version is bumped.
	CommitTurn(ctx context.Context, commit TurnCommit) error
}

// UsageRepo is the per-bucket credit counter.
type UsageRepo interface {
	GetUsage(ctx context.Context, bucketKey, userID string) (int, error)
	IncrementUsage(ctx context.Context, bucketKey, userID string, delta int) (int, error)
}

// TelemetryRepo stores one row per generation attempt.
type TelemetryRepo interface {
	RecordTelemetry(ctx context.Context, rec models.TelemetryRecord) error
	TelemetryStats(ctx context.Context, since time.Time) (models.TelemetryStats, error)
	PruneTelemetry(ctx context.Context, before time.Time) (int, error)
}

// Store is the full persistence surface.
type Store interface {
	SessionRepo
	UsageRepo
	TelemetryRepo
	OutboxRepo
	Close() error
}

// TurnCommit is everything one turn persists.
type TurnCommit struct {
	Session    *models.WorkflowSession
	Checkpoint models.WorkflowCheckpoint
	Handoff    *models.CampaignHandoff
}

// HandoffKind is the outbox kind used for campaign handoffs.
const HandoffKind = "campaign_handoff"

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
	Now func() time.Time
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithClock overrides the clock used for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

func applyOpts(opts []Option) Opts {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// DetectDSNType reports "postgres" for Postgres URLs and key/value DSNs, and
// "sqlite" for anything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		(strings.Contains(lower, "host=") && strings.Contains(lower, "dbname=")) {
		return "postgres"
	}
	return "sqlite"
}
