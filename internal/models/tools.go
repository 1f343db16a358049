package models

// ToolName identifies a deterministic operation the planner can select.
type ToolName string

const (
	ToolAskCampaignType       ToolName = "ask_campaign_type"
	ToolSuggestTemplates      ToolName = "suggest_templates"
	ToolSelectTemplate        ToolName = "select_template"
	ToolRequestRecipients     ToolName = "request_recipients"
	ToolValidateRecipients    ToolName = "validate_recipients"
	ToolReviewCampaign        ToolName = "review_campaign"
	ToolConfirmQueueCampaign  ToolName = "confirm_queue_campaign"
	ToolComposeSignatureEmail ToolName = "compose_signature_email"
	ToolComposeSimpleEmail    ToolName = "compose_simple_email"
)

// ToolNames lists every tool the planner may choose.
var ToolNames = []ToolName{
	ToolAskCampaignType,
	ToolSuggestTemplates,
	ToolSelectTemplate,
	ToolRequestRecipients,
	ToolValidateRecipients,
	ToolReviewCampaign,
	ToolConfirmQueueCampaign,
	ToolComposeSignatureEmail,
	ToolComposeSimpleEmail,
}

// IsKnown reports whether t is in the tool set.
func (t ToolName) IsKnown() bool {
	for _, n := range ToolNames {
		if n == t {
			return true
		}
	}
	return false
}

// AccessTier gates templates to paying users.
type AccessTier string

const (
	AccessTierFree AccessTier = "free"
	AccessTierPro  AccessTier = "pro"
)

// Template is an entry of the static email template catalog.
type Template struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name" yaml:"name"`
	Theme      string     `json:"theme" yaml:"theme"`
	Domain     string     `json:"domain" yaml:"domain"`
	Tone       string     `json:"tone" yaml:"tone"`
	AccessTier AccessTier `json:"access_tier" yaml:"access_tier"`
}

// TemplateSuggestion is a ranked catalog match returned to the caller.
type TemplateSuggestion struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Theme      string     `json:"theme"`
	Domain     string     `json:"domain"`
	Tone       string     `json:"tone"`
	AccessTier AccessTier `json:"access_tier"`
	Score      int        `json:"score"`
}

// ToolCall is a tool invocation requested for the current turn.
type ToolCall struct {
	Tool               ToolName
	Args               map[string]any
	Context            map[string]any
	SelectedTemplateID *string
	RecipientStats     *RecipientStats
	UserPlan           Plan
}

// ToolResult is the deterministic payload a tool returns.
type ToolResult struct {
	Text                string               `json:"text"`
	TemplateSuggestions []TemplateSuggestion `json:"template_suggestions,omitempty"`
	SelectedTemplateID  *string              `json:"selected_template_id,omitempty"`
	RecipientStats      *RecipientStats      `json:"recipient_stats,omitempty"`
	CampaignID          *string              `json:"campaign_id,omitempty"`
}

// PlannerDecision is the validated output of the planner for one turn.
type PlannerDecision struct {
	Tool     ToolName       `json:"tool"`
	Args     map[string]any `json:"args"`
	State    *WorkflowState `json:"state,omitempty"`
	Intent   *Intent        `json:"intent,omitempty"`
	Response string         `json:"response"`

	// Source records how the decision was produced: model, heuristic or canned.
	Source string `json:"source"`
}

// Planner decision sources.
const (
	DecisionSourceModel     = "model"
	DecisionSourceHeuristic = "heuristic"
	DecisionSourceCanned    = "canned"
)
