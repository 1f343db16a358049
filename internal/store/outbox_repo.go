package store

import (
	"context"
	"errors"
	"time"
)

// ErrHandoffRejected marks a send error the delivery side will never accept,
// such as an undecodable payload or a 4xx from the webhook. The sender fails
// such a handoff at once instead of retrying it.
var ErrHandoffRejected = errors.New("campaign handoff rejected")

// OutboxStatus is where a campaign handoff is in its trip to the delivery
// queue.
//
// A handoff is written in the same transaction as the session that reached
// QUEUED, so the two can never disagree about whether a campaign was
// confirmed. Only "sent" means the delivery queue accepted it. "failed" is
// terminal: the user's session still reads QUEUED but no email will go out
// until an operator requeues the row.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxMessage is one durable campaign handoff. For HandoffKind rows the
// payload is a JSON models.CampaignHandoff and DedupeKey is the campaign id,
// which the delivery side also receives as its idempotency key.
type OutboxMessage struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// CampaignID returns the campaign a handoff row carries.
func (m OutboxMessage) CampaignID() string {
	return m.DedupeKey
}

// OutboxRepo persists campaign handoffs between the orchestrator, which
// enqueues them with the turn that confirmed the campaign, and the
// OutboxSender, which drains them to the delivery sink.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a handoff due at notBefore (zero means
	// immediately; scheduled campaigns pass their send time). A second
	// enqueue for a campaign still in flight returns the existing ID, so a
	// replayed confirmation never reaches delivery twice.
	EnqueueOutboxMessage(ctx context.Context, userID, kind, payloadJSON, dedupeKey string, notBefore time.Time) (string, error)

	// ClaimDueOutboxMessages moves up to limit due queued handoffs to sending
	// and returns them. Rows with next_attempt_at <= now or NULL are due.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent records that the delivery queue accepted the campaign.
	MarkOutboxMessageSent(ctx context.Context, id string) error

	// FailOutboxMessage records a failed handoff and schedules a retry at
	// nextAttemptAt. A zero nextAttemptAt fails the campaign permanently.
	FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleSendingMessages returns handoffs claimed before staleBefore
	// to queued. A process that died mid-send leaves such rows behind.
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)
}
