// Package planner chooses the tool for each turn. Model output is treated as
// untrusted: it is extracted, validated and replaced by a deterministic
// heuristic whenever it cannot be used.
package planner

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/CampaignPipe/internal/genai"
	"github.com/BTreeMap/CampaignPipe/internal/models"
)

// Planner call bounds.
const (
	DefaultTimeout     = 20 * time.Second
	plannerTemperature = 0.2
	plannerMaxTokens   = 400
)

// Generator is the text-generation capability used for planning.
type Generator interface {
	Generate(ctx context.Context, req genai.Request) (genai.Response, error)
}

// Planner selects a tool per turn.
type Planner struct {
	gen         Generator
	templateIDs []string
	timeout     time.Duration
}

// Option configures a Planner.
type Option func(*Planner)

// WithTimeout bounds the planning model call.
func WithTimeout(d time.Duration) Option {
	return func(p *Planner) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithTemplateIDs sets the catalog ids the planner may select verbatim.
func WithTemplateIDs(ids []string) Option {
	return func(p *Planner) {
		p.templateIDs = ids
	}
}

// New creates a Planner. A nil generator plans with the heuristic only.
func New(gen Generator, opts ...Option) *Planner {
	p := &Planner{gen: gen, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Input is one planning request.
type Input struct {
	Prompt        string
	Session       *models.WorkflowSession
	Profile       models.ModelProfile
	Fallbacks     []string
	ScopeRedirect bool
}

// Result is the planning outcome for one turn.
type Result struct {
	Decision models.PlannerDecision
	// Context holds keys the planner wants merged into the session context.
	Context map[string]any
	// ShortCircuited is true when the turn was answered without any model call.
	ShortCircuited bool
	// Attempts is the generation trail of the planning call, if any.
	Attempts []genai.Attempt
}

// ShortCircuit answers greetings and incoherent prompts without a model call.
func ShortCircuit(prompt string, session *models.WorkflowSession) (Result, bool) {
	state := models.StateIntentCapture
	if session != nil {
		state = session.State
	}
	if state == models.StateIntentCapture && IsGreeting(prompt) {
		res := Result{
			Decision: models.PlannerDecision{
				Tool:     models.ToolAskCampaignType,
				Args:     map[string]any{},
				Response: welcomeReply,
				Source:   models.DecisionSourceCanned,
			},
			ShortCircuited: true,
		}
		if session.ContextInt(models.ContextKeyIncoherentTurns) > 0 {
			res.Context = map[string]any{models.ContextKeyIncoherentTurns: 0}
		}
		return res, true
	}
	if IsIncoherent(prompt) {
		turns := min(session.ContextInt(models.ContextKeyIncoherentTurns)+1, MaxIncoherentTurns)
		return Result{
			Decision: models.PlannerDecision{
				Tool:     models.ToolAskCampaignType,
				Args:     map[string]any{},
				Response: incoherentReply(turns),
				Source:   models.DecisionSourceCanned,
			},
			Context:        map[string]any{models.ContextKeyIncoherentTurns: turns},
			ShortCircuited: true,
		}, true
	}
	return Result{}, false
}

// Plan runs short-circuits, then the model, then the heuristic fallback. It
// never fails: every problem with the model degrades to the heuristic.
func (p *Planner) Plan(ctx context.Context, in Input) Result {
	if res, ok := ShortCircuit(in.Prompt, in.Session); ok {
		slog.Debug("Planner.Plan: short-circuit", "tool", res.Decision.Tool)
		return res
	}

	res := Result{}
	if in.Session.ContextInt(models.ContextKeyIncoherentTurns) > 0 {
		res.Context = map[string]any{models.ContextKeyIncoherentTurns: 0}
	}

	state := models.StateIntentCapture
	if in.Session != nil {
		state = in.Session.State
	}

	if p.gen == nil {
		res.Decision = Heuristic(in.Prompt, state, p.templateIDs)
		return res
	}

	profile := in.Profile
	profile.Temperature = plannerTemperature
	if profile.MaxOutputTokens == 0 || profile.MaxOutputTokens > plannerMaxTokens {
		profile.MaxOutputTokens = plannerMaxTokens
	}
	profile.QualityInstruction = ""

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := p.gen.Generate(callCtx, genai.Request{
		System:    BuildSystemPrompt(in.Session, p.templateIDs, in.ScopeRedirect),
		Prompt:    in.Prompt,
		Profile:   profile,
		Fallbacks: in.Fallbacks,
	})
	res.Attempts = resp.Attempts
	if err != nil {
		slog.Warn("Planner.Plan: generation failed, using heuristic", "error", err)
		res.Decision = Heuristic(in.Prompt, state, p.templateIDs)
		return res
	}

	decision, err := ParseDecision(resp.Text)
	if err != nil {
		slog.Warn("Planner.Plan: unusable planner output, using heuristic", "error", err)
		res.Decision = Heuristic(in.Prompt, state, p.templateIDs)
		return res
	}
	res.Decision = decision
	slog.Debug("Planner.Plan: model decision", "tool", decision.Tool, "state", decision.State)
	return res
}
