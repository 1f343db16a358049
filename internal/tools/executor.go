// Package tools implements the deterministic operations the planner selects
// each turn. Tools only return payloads; they never touch storage or the network.
package tools

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/BTreeMap/CampaignPipe/internal/util"
)

// Known SMTP sources for confirm_queue_campaign.
const (
	SMTPSourcePlatform = "platform"
	SMTPSourceCustom   = "custom_smtp"
	SMTPSourceGmail    = "gmail"
)

// Executor dispatches tool calls against the template catalog.
type Executor struct {
	catalog *Catalog
	now     func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the time source used for campaign IDs.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// NewExecutor creates an Executor over catalog.
func NewExecutor(catalog *Catalog, opts ...Option) *Executor {
	e := &Executor{catalog: catalog, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the catalog the executor reads from.
func (e *Executor) Catalog() *Catalog {
	return e.catalog
}

// Execute runs call and always returns a result with non-empty Text.
// Unknown tool names use the default conversational branch.
func (e *Executor) Execute(call models.ToolCall) models.ToolResult {
	slog.Debug("tools.Executor.Execute", "tool", call.Tool, "plan", call.UserPlan)

	switch call.Tool {
	case models.ToolAskCampaignType:
		return models.ToolResult{Text: "What kind of email would you like to send: a newsletter, a one-off announcement or promotion, or a new email signature?"}
	case models.ToolSuggestTemplates:
		return e.suggestTemplates(call)
	case models.ToolSelectTemplate:
		return e.selectTemplate(call)
	case models.ToolRequestRecipients:
		return models.ToolResult{Text: "Paste your recipient emails separated by commas, semicolons or new lines, or upload a CSV file with an email column."}
	case models.ToolValidateRecipients:
		return e.validateRecipients(call)
	case models.ToolReviewCampaign:
		return e.reviewCampaign(call)
	case models.ToolConfirmQueueCampaign:
		return e.confirmQueueCampaign(call)
	case models.ToolComposeSignatureEmail:
		return models.ToolResult{Text: "Let's build your signature. Share your name, title, company, phone and any links you want included."}
	default:
		return models.ToolResult{Text: "Tell me what your email should say and who it's for, and I'll draft it with you."}
	}
}

func (e *Executor) suggestTemplates(call models.ToolCall) models.ToolResult {
	query := argString(call.Args, "query", "keywords", "topic")
	if query == "" {
		query = contextString(call.Context, models.ContextKeyGoal)
	}
	suggestions := e.catalog.Suggest(query, call.UserPlan.IsPaid(), MaxSuggestions)
	if len(suggestions) == 0 {
		return models.ToolResult{Text: "I couldn't find a matching template yet. Tell me more about your business and the message you want to send."}
	}

	names := make([]string, len(suggestions))
	for i, s := range suggestions {
		names[i] = fmt.Sprintf("%s (%s)", s.Name, s.ID)
	}
	return models.ToolResult{
		Text:                "Here are templates that fit: " + strings.Join(names, ", ") + ". Which one would you like to use?",
		TemplateSuggestions: suggestions,
	}
}

func (e *Executor) selectTemplate(call models.ToolCall) models.ToolResult {
	id := argString(call.Args, "templateId", "template_id", "id")
	tmpl, ok := e.catalog.Get(id)
	if !ok {
		return models.ToolResult{Text: fmt.Sprintf("I couldn't find a template called %q. Pick one of the suggestions or describe the style you want.", id)}
	}
	if tmpl.AccessTier == models.AccessTierPro && !call.UserPlan.IsPaid() {
		return models.ToolResult{Text: fmt.Sprintf("%s is a Pro template. Upgrade to Pro to use it, or choose one of the free templates.", tmpl.Name)}
	}
	selected := tmpl.ID
	return models.ToolResult{
		Text:               fmt.Sprintf("Great choice! %s is selected. Next, let's tailor the content.", tmpl.Name),
		SelectedTemplateID: &selected,
	}
}

func (e *Executor) validateRecipients(call models.ToolCall) models.ToolResult {
	raw := argString(call.Args, "recipients", "raw", "emails")
	stats := ValidateRecipients(raw)
	if stats.Total == 0 {
		return models.ToolResult{Text: "I didn't find any recipients. Paste your email list or upload a CSV to continue."}
	}
	text := fmt.Sprintf("I checked %d recipients: %d valid, %d invalid, %d duplicates removed.",
		stats.Total, stats.Valid, stats.Invalid, stats.Duplicates)
	if stats.Valid == 0 {
		text += " None of the addresses look deliverable, so please double-check the list."
	} else {
		text += " Ready to review the campaign?"
	}
	return models.ToolResult{Text: text, RecipientStats: &stats}
}

func (e *Executor) reviewCampaign(call models.ToolCall) models.ToolResult {
	var b strings.Builder
	b.WriteString("Campaign review: ")

	if call.SelectedTemplateID != nil {
		if tmpl, ok := e.catalog.Get(*call.SelectedTemplateID); ok {
			fmt.Fprintf(&b, "template %s", tmpl.Name)
		} else {
			fmt.Fprintf(&b, "template %s", *call.SelectedTemplateID)
		}
	} else {
		b.WriteString("no template selected yet")
	}

	if call.RecipientStats != nil {
		fmt.Fprintf(&b, "; %d valid recipients", call.RecipientStats.Valid)
	} else {
		b.WriteString("; recipients not validated yet")
	}
	if goal := contextString(call.Context, models.ContextKeyGoal); goal != "" {
		fmt.Fprintf(&b, "; goal: %s", goal)
	}
	b.WriteString(". You can send through the platform mail service, your own SMTP server, or a connected Gmail account, now or at a scheduled time.")
	return models.ToolResult{Text: b.String()}
}

func (e *Executor) confirmQueueCampaign(call models.ToolCall) models.ToolResult {
	source := strings.ToLower(argString(call.Args, "smtpSource", "smtp_source"))
	switch source {
	case SMTPSourceCustom, SMTPSourceGmail:
	default:
		source = SMTPSourcePlatform
	}

	campaignID := util.GenerateCampaignID(e.now())
	text := fmt.Sprintf("Your campaign %s is queued for delivery via %s", campaignID, smtpLabel(source))
	if at := argString(call.Args, "scheduleAt", "schedule_at"); at != "" {
		if ts, err := time.Parse(time.RFC3339, at); err == nil {
			text += " at " + ts.UTC().Format("Jan 2, 2006 15:04 UTC")
		} else {
			text += " at " + at
		}
	} else {
		text += " right away"
	}
	return models.ToolResult{Text: text + ".", CampaignID: &campaignID}
}

func smtpLabel(source string) string {
	switch source {
	case SMTPSourceCustom:
		return "your SMTP server"
	case SMTPSourceGmail:
		return "your Gmail account"
	default:
		return "the platform mail service"
	}
}

// argString returns the first non-empty string argument among keys.
func argString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func contextString(ctx map[string]any, key string) string {
	v, _ := ctx[key].(string)
	return v
}
