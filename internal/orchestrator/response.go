package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CampaignPipe/internal/genai"
	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/BTreeMap/CampaignPipe/internal/moderation"
	"github.com/BTreeMap/CampaignPipe/internal/planner"
)

// respond produces the reply text, streaming tokens to the caller when a
// responder is configured. It never fails: a failed stream is retried once as
// a single-shot call with a simpler prompt, and after that the canned reply is
// used.
func (o *Orchestrator) respond(ctx context.Context, em *emitter, prompt string, next *models.WorkflowSession,
	mod moderation.Result, profile models.ModelProfile, planned planner.Result, result models.ToolResult) (string, []genai.Attempt) {

	canned := cannedReply(planned.Decision, result)
	if planned.ShortCircuited || o.responder == nil || em.gone() || ctx.Err() != nil {
		em.send(tokenEvent(canned))
		return canned, nil
	}

	redirect := mod.Action == moderation.ActionRewriteScope
	req := genai.Request{
		System:    planner.ResponseSystemPrompt(next.State, next.ContextString(models.ContextKeyTone), redirect),
		Prompt:    planner.ResponseUserPrompt(prompt, planned.Decision.Tool, result.Text, planned.Decision.Response),
		Profile:   profile,
		Fallbacks: o.profiles.FallbackModels(profile),
	}

	delivered := false
	streamCtx, cancel := context.WithTimeout(ctx, o.genTimeout)
	resp, err := o.responder.Stream(streamCtx, req, func(tok string) error {
		em.send(tokenEvent(tok))
		if em.gone() {
			return em.err
		}
		delivered = true
		return nil
	})
	cancel()
	attempts := resp.Attempts

	switch {
	case err == nil && strings.TrimSpace(resp.Text) != "":
		return resp.Text, attempts
	case errors.Is(err, genai.ErrStreamAbandoned):
		slog.Debug("Orchestrator.respond: caller left mid-stream", "partialLength", len(resp.Text))
		if strings.TrimSpace(resp.Text) != "" {
			return resp.Text, attempts
		}
		return canned, attempts
	}
	slog.Warn("Orchestrator.respond: streaming reply failed, retrying single-shot", "delivered", delivered, "error", err)

	if em.gone() || ctx.Err() != nil {
		return canned, attempts
	}

	req.Prompt = planner.SimplifiedResponsePrompt(prompt, result.Text)
	genCtx, cancel := context.WithTimeout(ctx, o.genTimeout)
	single, err := o.responder.Generate(genCtx, req)
	cancel()
	attempts = append(attempts, single.Attempts...)

	text := canned
	if err == nil && strings.TrimSpace(single.Text) != "" {
		text = single.Text
	} else {
		slog.Warn("Orchestrator.respond: single-shot reply failed, using canned text", "error", err)
	}
	if !delivered {
		em.send(tokenEvent(text))
	}
	return text, attempts
}

// cannedReply is the reply used when no model text is available. Heuristic
// and canned decisions carry their own scripted reply; otherwise the tool
// text is used because it is grounded in the tool result.
func cannedReply(decision models.PlannerDecision, result models.ToolResult) string {
	if decision.Source != models.DecisionSourceModel && strings.TrimSpace(decision.Response) != "" {
		return decision.Response
	}
	return result.Text
}

func tokenEvent(tok string) models.Event {
	return models.Event{Type: models.EventToken, Token: tok}
}
