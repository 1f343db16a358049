package orchestrator

import (
	"log/slog"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/BTreeMap/CampaignPipe/internal/moderation"
	"github.com/BTreeMap/CampaignPipe/internal/planner"
	"github.com/BTreeMap/CampaignPipe/internal/tools"
	"github.com/BTreeMap/CampaignPipe/internal/workflow"
)

// maxGoalLength bounds the goal captured from a prompt.
const maxGoalLength = 280

// captureContext returns the context keys this turn adds to the session.
// The goal is written only once per session.
func captureContext(session *models.WorkflowSession, prompt string, mod moderation.Result, planned planner.Result) map[string]any {
	out := map[string]any{}
	maps.Copy(out, planned.Context)
	if planned.ShortCircuited {
		return out
	}

	args := planned.Decision.Args
	for _, key := range []string{models.ContextKeyAudience, models.ContextKeyTone, models.ContextKeyCTA} {
		if v := argString(args, key); v != "" {
			out[key] = v
		}
	}

	if session.ContextString(models.ContextKeyGoal) == "" && mod.Action == moderation.ActionAllow {
		goal := argString(args, models.ContextKeyGoal)
		if goal == "" && workflow.IsEarlyDiscovery(session.State) {
			goal = strings.TrimSpace(prompt)
		}
		if goal != "" {
			out[models.ContextKeyGoal] = truncateRunes(goal, maxGoalLength)
		}
	}

	if planned.Decision.Tool == models.ToolConfirmQueueCampaign {
		out[models.ContextKeySMTPSource] = smtpSource(args)
		if at := argString(args, "scheduleAt", "schedule_at"); at != "" {
			out[models.ContextKeyScheduleAt] = at
		}
	}
	return out
}

// guardQueue reroutes a queue decision made before the campaign is complete.
// It applies to every decision source: without a template the user is shown
// the review, and without deliverable recipients they are asked for a list.
func guardQueue(session *models.WorkflowSession, decision models.PlannerDecision) models.PlannerDecision {
	if decision.Tool != models.ToolConfirmQueueCampaign {
		return decision
	}
	var tool models.ToolName
	var state *models.WorkflowState
	switch {
	case session.SelectedTemplateID == nil:
		tool = models.ToolReviewCampaign
	case session.RecipientStats == nil || session.RecipientStats.Valid == 0:
		tool = models.ToolRequestRecipients
		audience := models.StateAudienceCollection
		state = &audience
	default:
		return decision
	}
	slog.Warn("Orchestrator.guardQueue: campaign not ready to queue", "sessionID", session.SessionID,
		"source", decision.Source, "rerouted", tool)
	decision.Tool = tool
	decision.State = state
	decision.Args = map[string]any{}
	decision.Response = ""
	return decision
}

// applyTurn builds the workflow patch from the decision and tool result and
// applies it. A requested state is dropped when the tool did not produce the
// outcome that state implies.
func applyTurn(session *models.WorkflowSession, decision models.PlannerDecision, result models.ToolResult, turnContext map[string]any) *models.WorkflowSession {
	patch := models.WorkflowPatch{
		State:   decision.State,
		Context: turnContext,
	}
	if decision.Intent != nil {
		patch.Intent = models.Set(*decision.Intent)
	}
	if result.SelectedTemplateID != nil {
		patch.SelectedTemplateID = models.Set(*result.SelectedTemplateID)
	}
	if result.RecipientStats != nil {
		patch.RecipientStats = models.Set(*result.RecipientStats)
	}

	switch decision.Tool {
	case models.ToolSelectTemplate:
		if result.SelectedTemplateID == nil {
			patch.State = nil
		}
	case models.ToolValidateRecipients:
		if result.RecipientStats == nil {
			patch.State = nil
		}
	case models.ToolConfirmQueueCampaign:
		if result.CampaignID == nil {
			patch.State = nil
		}
	}
	return workflow.ApplyPatch(session, patch, models.PatchOptions{})
}

func checkpointPayload(decision models.PlannerDecision, mod moderation.Result, result models.ToolResult, text string) map[string]any {
	payload := map[string]any{
		"tool":       string(decision.Tool),
		"source":     decision.Source,
		"moderation": string(mod.Action),
		"text":       text,
	}
	if len(decision.Args) > 0 {
		payload["args"] = decision.Args
	}
	if result.CampaignID != nil {
		payload["campaignId"] = *result.CampaignID
	}
	if n := len(result.TemplateSuggestions); n > 0 {
		ids := make([]string, n)
		for i, s := range result.TemplateSuggestions {
			ids[i] = s.ID
		}
		payload["suggestions"] = ids
	}
	return payload
}

// handoff returns the delivery payload for a confirmed campaign, or nil.
func (o *Orchestrator) handoff(session *models.WorkflowSession, decision models.PlannerDecision, result models.ToolResult) *models.CampaignHandoff {
	if result.CampaignID == nil {
		return nil
	}
	h := &models.CampaignHandoff{
		CampaignID:     *result.CampaignID,
		UserID:         session.UserID,
		SessionID:      session.SessionID,
		ConversationID: session.ConversationID,
		RecipientStats: session.RecipientStats,
		SMTPSource:     smtpSource(decision.Args),
		CreatedAt:      o.now().UTC(),
	}
	if session.SelectedTemplateID != nil {
		h.TemplateID = *session.SelectedTemplateID
	}
	if at := argString(decision.Args, "scheduleAt", "schedule_at"); at != "" {
		if ts, err := time.Parse(time.RFC3339, at); err == nil {
			ts = ts.UTC()
			h.ScheduleAt = &ts
		}
	}
	return h
}

func mergedContext(base, extra map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = map[string]any{}
	}
	maps.Copy(out, extra)
	return out
}

func smtpSource(args map[string]any) string {
	switch s := strings.ToLower(argString(args, "smtpSource", "smtp_source")); s {
	case tools.SMTPSourceCustom, tools.SMTPSourceGmail:
		return s
	default:
		return tools.SMTPSourcePlatform
	}
}

func argString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
