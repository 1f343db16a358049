package store

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// OutboxSendFunc hands one queued campaign to the delivery side. Wrap
// ErrHandoffRejected for errors a retry cannot fix.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// Outbox sender defaults.
const (
	DefaultOutboxMaxAttempts = 8
	DefaultOutboxBaseBackoff = 10 * time.Second
	DefaultOutboxMaxBackoff  = 10 * time.Minute
)

// OutboxSender drains queued campaign handoffs to the delivery sink. Delivery
// is at least once; the sink dedupes on the campaign id.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	maxBackoff     time.Duration
	now            func() time.Time
}

// NewOutboxSender creates a sender polling every pollInterval (5s when unset).
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		maxAttempts:    DefaultOutboxMaxAttempts,
		maxBackoff:     DefaultOutboxMaxBackoff,
		now:            time.Now,
	}
}

// RecoverStaleMessages requeues handoffs a crashed process left in sending.
// Call it at startup, and periodically when several processes share a store.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	staleBefore := s.now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale handoffs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting handoff sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *OutboxSender) poll(ctx context.Context) {
	now := s.now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return
	}

	for _, msg := range msgs {
		slog.Debug("OutboxSender.poll: handing off campaign", "id", msg.ID, "campaignID", msg.CampaignID(), "userID", msg.UserID)
		if err := s.sendFunc(ctx, msg); err != nil {
			s.fail(ctx, msg, now, err)
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			// The row returns to queued on recovery and is sent again.
			slog.Error("OutboxSender.poll: mark sent error", "id", msg.ID, "campaignID", msg.CampaignID(), "error", err)
			continue
		}
		slog.Info("OutboxSender.poll: campaign handed off", "campaignID", msg.CampaignID(), "userID", msg.UserID)
	}
}

func (s *OutboxSender) fail(ctx context.Context, msg OutboxMessage, now time.Time, sendErr error) {
	attempt := msg.Attempts + 1
	var nextAttempt time.Time
	if attempt < s.maxAttempts && !errors.Is(sendErr, ErrHandoffRejected) {
		nextAttempt = now.Add(s.backoff(msg.Attempts))
		slog.Warn("OutboxSender.poll: handoff failed, will retry", "campaignID", msg.CampaignID(),
			"attempt", attempt, "retryAt", nextAttempt, "error", sendErr)
	} else {
		slog.Error("OutboxSender.poll: campaign handoff failed permanently; session stays QUEUED but nothing will be sent",
			"id", msg.ID, "campaignID", msg.CampaignID(), "userID", msg.UserID, "attempt", attempt, "error", sendErr)
	}
	if err := s.repo.FailOutboxMessage(ctx, msg.ID, sendErr.Error(), nextAttempt); err != nil {
		slog.Error("OutboxSender.poll: fail message error", "id", msg.ID, "error", err)
	}
}

// backoff doubles from DefaultOutboxBaseBackoff up to maxBackoff.
func (s *OutboxSender) backoff(attempts int) time.Duration {
	d := DefaultOutboxBaseBackoff
	for range attempts {
		d *= 2
		if d >= s.maxBackoff {
			return s.maxBackoff
		}
	}
	return d
}
