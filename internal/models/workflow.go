// Package models defines the core data structures for CampaignPipe.
//
// It includes the workflow session and checkpoint records, credit and model
// catalog types, and the typed turn events shared across modules.
package models

import "time"

// WorkflowState is the discrete stage of a campaign-creation conversation.
type WorkflowState string

// Workflow states in their strict total order.
const (
	StateIntentCapture      WorkflowState = "INTENT_CAPTURE"
	StateGoalBrief          WorkflowState = "GOAL_BRIEF"
	StateTemplateDiscovery  WorkflowState = "TEMPLATE_DISCOVERY"
	StateTemplateSelected   WorkflowState = "TEMPLATE_SELECTED"
	StateContentRefine      WorkflowState = "CONTENT_REFINE"
	StateAudienceCollection WorkflowState = "AUDIENCE_COLLECTION"
	StateValidationReview   WorkflowState = "VALIDATION_REVIEW"
	StateSendConfirmation   WorkflowState = "SEND_CONFIRMATION"
	StateQueued             WorkflowState = "QUEUED"
	StateCompleted          WorkflowState = "COMPLETED"
)

// WorkflowStates lists every state ordered by index.
var WorkflowStates = []WorkflowState{
	StateIntentCapture,
	StateGoalBrief,
	StateTemplateDiscovery,
	StateTemplateSelected,
	StateContentRefine,
	StateAudienceCollection,
	StateValidationReview,
	StateSendConfirmation,
	StateQueued,
	StateCompleted,
}

// Index returns the position of s in the total order, or -1 if s is not a known state.
func (s WorkflowState) Index() int {
	for i, st := range WorkflowStates {
		if st == s {
			return i
		}
	}
	return -1
}

// IsValid reports whether s is one of the known workflow states.
func (s WorkflowState) IsValid() bool {
	return s.Index() >= 0
}

// Intent is the kind of campaign the user is building.
type Intent string

const (
	IntentUnknown     Intent = "UNKNOWN"
	IntentNewsletter  Intent = "NEWSLETTER"
	IntentSimpleEmail Intent = "SIMPLE_EMAIL"
	IntentSignature   Intent = "SIGNATURE"
)

// IsValid reports whether i is one of the known intents.
func (i Intent) IsValid() bool {
	switch i {
	case IntentUnknown, IntentNewsletter, IntentSimpleEmail, IntentSignature:
		return true
	default:
		return false
	}
}

// Context keys written by the orchestrator.
const (
	ContextKeyGoal            = "goal"
	ContextKeyAudience        = "audience"
	ContextKeyTone            = "tone"
	ContextKeyCTA             = "cta"
	ContextKeyIncoherentTurns = "incoherentTurns"
	ContextKeySMTPSource      = "smtpSource"
	ContextKeyScheduleAt      = "scheduleAt"
)

// RecipientStats summarizes a validated recipient list.
type RecipientStats struct {
	Total      int `json:"total"`
	Valid      int `json:"valid"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
}

// WorkflowSession is one ongoing campaign-creation conversation.
type WorkflowSession struct {
	SessionID          string          `json:"session_id"`
	UserID             string          `json:"user_id"`
	ConversationID     string          `json:"conversation_id"`
	State              WorkflowState   `json:"state"`
	Intent             Intent          `json:"intent"`
	SelectedTemplateID *string         `json:"selected_template_id,omitempty"`
	RecipientStats     *RecipientStats `json:"recipient_stats,omitempty"`
	Summary            *string         `json:"summary,omitempty"`
	Context            map[string]any  `json:"context"`
	Version            int             `json:"version"` // optimistic concurrency counter, bumped on every save
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ContextString returns a string value from the session context.
func (s *WorkflowSession) ContextString(key string) string {
	if s == nil || s.Context == nil {
		return ""
	}
	v, _ := s.Context[key].(string)
	return v
}

// ContextInt returns an integer value from the session context.
// Stored JSON numbers decode as float64, so both forms are accepted.
func (s *WorkflowSession) ContextInt(key string) int {
	if s == nil || s.Context == nil {
		return 0
	}
	switch v := s.Context[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Expired reports whether the session has been idle longer than window.
func (s *WorkflowSession) Expired(now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return now.Sub(s.UpdatedAt) > window
}

// WorkflowCheckpoint is an immutable audit record of a committed turn.
type WorkflowCheckpoint struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	RequestID string         `json:"request_id"`
	State     WorkflowState  `json:"state"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}
