// Package workflow implements the campaign-creation state machine.
//
// Sessions only move forward through the fixed state order unless a patch
// explicitly allows a backward jump. Context accumulates by shallow merge.
package workflow

import (
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/BTreeMap/CampaignPipe/internal/models"
)

// NewSession returns the initial state for a fresh conversation.
func NewSession(sessionID, userID, conversationID string, now time.Time) *models.WorkflowSession {
	return &models.WorkflowSession{
		SessionID:      sessionID,
		UserID:         userID,
		ConversationID: conversationID,
		State:          models.StateIntentCapture,
		Intent:         models.IntentUnknown,
		Context:        map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ApplyPatch returns a copy of current with patch applied. The input is not modified.
func ApplyPatch(current *models.WorkflowSession, patch models.WorkflowPatch, opts models.PatchOptions) *models.WorkflowSession {
	next := clone(current)

	if patch.State != nil && patch.State.IsValid() {
		requested := *patch.State
		if opts.AllowBackwardState || requested.Index() >= current.State.Index() {
			next.State = requested
		} else {
			slog.Debug("workflow.ApplyPatch: backward transition clamped",
				"sessionID", current.SessionID, "current", current.State, "requested", requested)
		}
	}

	if patch.Intent.Present {
		if patch.Intent.Value == nil {
			next.Intent = models.IntentUnknown
		} else if patch.Intent.Value.IsValid() {
			next.Intent = *patch.Intent.Value
		}
	}
	if patch.SelectedTemplateID.Present {
		next.SelectedTemplateID = copyPtr(patch.SelectedTemplateID.Value)
	}
	if patch.RecipientStats.Present {
		next.RecipientStats = copyPtr(patch.RecipientStats.Value)
	}
	if patch.Summary.Present {
		next.Summary = copyPtr(patch.Summary.Value)
	}

	if next.Context == nil {
		next.Context = map[string]any{}
	}
	maps.Copy(next.Context, patch.Context)

	return next
}

// RawSession is a session as read back from storage, with enums still untyped.
type RawSession struct {
	SessionID          string
	UserID             string
	ConversationID     string
	State              string
	Intent             string
	SelectedTemplateID *string
	RecipientStats     *models.RecipientStats
	Summary            *string
	Context            map[string]any
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Hydrate coerces stored values into a session. Unknown enum values fall back
// to INTENT_CAPTURE / UNKNOWN; it never fails.
func Hydrate(raw RawSession) *models.WorkflowSession {
	state := models.WorkflowState(strings.ToUpper(strings.TrimSpace(raw.State)))
	if !state.IsValid() {
		if raw.State != "" {
			slog.Warn("workflow.Hydrate: unknown stored state, coercing", "sessionID", raw.SessionID, "state", raw.State)
		}
		state = models.StateIntentCapture
	}
	intent := models.Intent(strings.ToUpper(strings.TrimSpace(raw.Intent)))
	if !intent.IsValid() {
		intent = models.IntentUnknown
	}
	ctx := raw.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	return &models.WorkflowSession{
		SessionID:          raw.SessionID,
		UserID:             raw.UserID,
		ConversationID:     raw.ConversationID,
		State:              state,
		Intent:             intent,
		SelectedTemplateID: raw.SelectedTemplateID,
		RecipientStats:     raw.RecipientStats,
		Summary:            raw.Summary,
		Context:            ctx,
		Version:            raw.Version,
		CreatedAt:          raw.CreatedAt,
		UpdatedAt:          raw.UpdatedAt,
	}
}

// IsEarlyDiscovery reports whether the session has not yet picked a template.
func IsEarlyDiscovery(state models.WorkflowState) bool {
	return state.Index() <= models.StateTemplateDiscovery.Index()
}

func clone(s *models.WorkflowSession) *models.WorkflowSession {
	c := *s
	c.Context = maps.Clone(s.Context)
	c.SelectedTemplateID = copyPtr(s.SelectedTemplateID)
	c.RecipientStats = copyPtr(s.RecipientStats)
	c.Summary = copyPtr(s.Summary)
	return &c
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
