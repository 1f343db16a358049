package models

// EventType discriminates the turn event stream.
type EventType string

const (
	EventSession    EventType = "session"
	EventModeration EventType = "moderation"
	EventToolStart  EventType = "tool_start"
	EventToolResult EventType = "tool_result"
	EventStatePatch EventType = "state_patch"
	EventToken      EventType = "token"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one milestone emitted while a turn is processed. Exactly one of the
// payload fields is set, matching Type.
type Event struct {
	Type       EventType        `json:"type"`
	Session    *SessionEvent    `json:"session,omitempty"`
	Moderation *ModerationEvent `json:"moderation,omitempty"`
	Tool       *ToolEvent       `json:"tool,omitempty"`
	StatePatch *StatePatchEvent `json:"state_patch,omitempty"`
	Token      string           `json:"token,omitempty"`
	Done       *TurnResult      `json:"done,omitempty"`
	Error      *ErrorEvent      `json:"error,omitempty"`
}

// SessionEvent announces which session the turn runs against.
type SessionEvent struct {
	SessionID      string        `json:"session_id"`
	ConversationID string        `json:"conversation_id"`
	Resumed        bool          `json:"resumed"`
	State          WorkflowState `json:"state"`
}

// ModerationEvent is an informational notice that the prompt was rewritten.
type ModerationEvent struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

// ToolEvent carries the tool name and, for tool_result, its payload.
type ToolEvent struct {
	Tool   ToolName    `json:"tool"`
	Args   any         `json:"args,omitempty"`
	Result *ToolResult `json:"result,omitempty"`
}

// StatePatchEvent reports the session state after the patch was applied.
type StatePatchEvent struct {
	From   WorkflowState `json:"from"`
	To     WorkflowState `json:"to"`
	Intent Intent        `json:"intent"`
}

// ErrorEvent terminates a turn that could not complete.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TurnRequest is a single user prompt submitted to the orchestrator.
type TurnRequest struct {
	UserID         string `json:"userId"`
	Plan           Plan   `json:"plan"`
	Mode           string `json:"mode"`
	ConversationID string `json:"conversationId,omitempty"`
	Prompt         string `json:"prompt"`
}

// Validate checks the request has the fields needed to run a turn.
func (r *TurnRequest) Validate() error {
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if len(r.ConversationID) > MaxConversationIDLength {
		return ErrConversationIDTooLong
	}
	return nil
}

// TurnResult is the authoritative outcome of a turn, carried by the done event.
type TurnResult struct {
	RequestID           string               `json:"requestId"`
	ConversationID      string               `json:"conversationId"`
	State               WorkflowState        `json:"state"`
	Intent              Intent               `json:"intent"`
	Text                string               `json:"text"`
	SelectedTemplateID  *string              `json:"selectedTemplateId,omitempty"`
	TemplateSuggestions []TemplateSuggestion `json:"templateSuggestions,omitempty"`
	RecipientStats      *RecipientStats      `json:"recipientStats,omitempty"`
	CampaignID          *string              `json:"campaignId,omitempty"`
	RemainingCredits    *int                 `json:"remainingCredits,omitempty"`
	MaxCredits          *int                 `json:"maxCredits,omitempty"`
}
