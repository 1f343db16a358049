package planner

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/BTreeMap/CampaignPipe/internal/tone"
)

const plannerRules = `You are the planning step of an email campaign assistant.
Choose exactly one tool for this turn and draft a short reply.

Return ONLY a JSON object with this shape:
{"tool": "<tool>", "args": {}, "state": "<state>", "intent": "<intent>", "response": "<reply to the user>"}

Rules:
- Move the workflow forward one step at a time. Never pick an earlier state than the current one.
- Use suggest_templates with args.query when the user describes what they want to send.
- Use select_template with args.templateId only for ids from the catalog list.
- Use validate_recipients with args.recipients when the user pastes addresses.
- Use confirm_queue_campaign only after a template is selected and the user asks to send; pass args.smtpSource (platform, custom_smtp or gmail) and optional args.scheduleAt (RFC3339).
- Keep replies under 80 words, warm and concrete. Ask at most one question.`

const scopeRedirect = "The user's request is outside email campaigns. Acknowledge it briefly and steer back to planning their campaign."

// BuildSystemPrompt returns the planner instruction with the tool, state and
// intent enumerations for the current turn.
func BuildSystemPrompt(session *models.WorkflowSession, templateIDs []string, redirect bool) string {
	var b strings.Builder
	b.WriteString(plannerRules)
	b.WriteString("\n\nTools: ")
	b.WriteString(joinNames(models.ToolNames))
	b.WriteString("\nStates (in order): ")
	b.WriteString(joinNames(models.WorkflowStates))
	b.WriteString("\nIntents: ")
	b.WriteString(joinNames([]models.Intent{models.IntentUnknown, models.IntentNewsletter, models.IntentSimpleEmail, models.IntentSignature}))
	if len(templateIDs) > 0 {
		b.WriteString("\nTemplate catalog ids: ")
		b.WriteString(strings.Join(templateIDs, ", "))
	}
	if session != nil {
		fmt.Fprintf(&b, "\n\nCurrent state: %s\nCurrent intent: %s", session.State, session.Intent)
		if session.SelectedTemplateID != nil {
			fmt.Fprintf(&b, "\nSelected template: %s", *session.SelectedTemplateID)
		}
		if session.RecipientStats != nil {
			fmt.Fprintf(&b, "\nRecipients: %d valid of %d", session.RecipientStats.Valid, session.RecipientStats.Total)
		}
		for _, key := range []string{models.ContextKeyGoal, models.ContextKeyAudience, models.ContextKeyTone, models.ContextKeyCTA} {
			if v := session.ContextString(key); v != "" {
				fmt.Fprintf(&b, "\nKnown %s: %s", key, v)
			}
		}
	}
	if redirect {
		b.WriteString("\n\n")
		b.WriteString(scopeRedirect)
	}
	return b.String()
}

// ResponseSystemPrompt instructs the reply-writing call that follows tool
// execution. voice is the brand voice the user described, if any.
func ResponseSystemPrompt(state models.WorkflowState, voice string, redirect bool) string {
	s := "You are a friendly email campaign assistant. Write the reply the user sees for this turn. " +
		"Ground every statement in the tool result you are given and do not invent templates, numbers or ids. " +
		"Keep it under 120 words and end with the single most useful next step.\n" +
		"Workflow state after this turn: " + string(state)
	if redirect {
		s += "\n" + scopeRedirect
	}
	return s + tone.BuildGuide(tone.Parse(voice))
}

// ResponseUserPrompt bundles the user's message with the tool outcome.
func ResponseUserPrompt(prompt string, tool models.ToolName, toolText, draft string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User message:\n%s\n\nTool used: %s\nTool result:\n%s", prompt, tool, toolText)
	if draft != "" {
		fmt.Fprintf(&b, "\n\nDraft reply from planning:\n%s", draft)
	}
	return b.String()
}

// SimplifiedResponsePrompt is used for the single-shot retry after the
// streaming reply failed.
func SimplifiedResponsePrompt(prompt, toolText string) string {
	return fmt.Sprintf("Rewrite this assistant message in a friendly tone, under 80 words.\nUser said: %s\nMessage: %s", prompt, toolText)
}

func joinNames[T ~string](names []T) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}
