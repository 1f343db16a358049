package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/BTreeMap/CampaignPipe/internal/util"
	"github.com/BTreeMap/CampaignPipe/internal/workflow"
)

// resolveConversationID returns the caller's conversation, the user's most
// recent resumable one, or a new id.
func (o *Orchestrator) resolveConversationID(ctx context.Context, userID, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	latest, err := o.store.LatestSession(ctx, userID, o.now().Add(-o.resumeWindow))
	if err != nil {
		return "", fmt.Errorf("find latest session: %w", err)
	}
	if latest != nil {
		return latest.ConversationID, nil
	}
	return util.GenerateConversationID(), nil
}

// loadSession resumes the stored session for the conversation or starts a
// fresh one when none exists or it has expired.
func (o *Orchestrator) loadSession(ctx context.Context, userID, conversationID string) (*models.WorkflowSession, bool, error) {
	now := o.now().UTC()
	stored, err := o.store.GetSession(ctx, userID, conversationID)
	if err != nil {
		return nil, false, fmt.Errorf("load session: %w", err)
	}
	if stored != nil && !stored.Expired(now, o.resumeWindow) {
		return stored, true, nil
	}
	if stored != nil {
		slog.Debug("Orchestrator.loadSession: session expired, starting fresh",
			"sessionID", stored.SessionID, "conversationID", conversationID, "updatedAt", stored.UpdatedAt)
	}
	return workflow.NewSession(util.GenerateSessionID(), userID, conversationID, now), false, nil
}
