package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CampaignPipe/internal/genai"
	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/BTreeMap/CampaignPipe/internal/workflow"
)

var testTemplateIDs = []string{"sushi-omakase-signature", "sushi-bar-weekly", "simple-announcement"}

type scriptedGenerator struct {
	text  string
	err   error
	calls int
	block bool
	req   genai.Request
}

func (g *scriptedGenerator) Generate(ctx context.Context, req genai.Request) (genai.Response, error) {
	g.calls++
	g.req = req
	if g.block {
		<-ctx.Done()
		return genai.Response{Attempts: []genai.Attempt{{Model: req.Profile.Model, Status: models.TelemetryStatusError, ErrorCode: "timeout"}}}, ctx.Err()
	}
	attempt := genai.Attempt{Model: req.Profile.Model, Status: models.TelemetryStatusOK}
	if g.err != nil {
		attempt.Status = models.TelemetryStatusError
		return genai.Response{Attempts: []genai.Attempt{attempt}}, g.err
	}
	return genai.Response{Text: g.text, Attempts: []genai.Attempt{attempt}}, nil
}

func session(state models.WorkflowState) *models.WorkflowSession {
	s := workflow.NewSession("ws_1", "u1", "conv_1", time.Unix(0, 0))
	s.State = state
	return s
}

func TestParseDecision_RepairsSurroundingProse(t *testing.T) {
	raw := `Sure! {"tool":"select_template","args":{"templateId":"sushi-omakase-signature"},"state":"TEMPLATE_SELECTED"} Hope that helps!`
	d, err := ParseDecision(raw)
	require.NoError(t, err)

	assert.Equal(t, models.ToolSelectTemplate, d.Tool)
	assert.Equal(t, "sushi-omakase-signature", d.Args["templateId"])
	require.NotNil(t, d.State)
	assert.Equal(t, models.StateTemplateSelected, *d.State)
	assert.Nil(t, d.Intent)
	assert.Equal(t, models.DecisionSourceModel, d.Source)
}

func TestParseDecision_Failures(t *testing.T) {
	_, err := ParseDecision("no json here")
	assert.ErrorIs(t, err, ErrNoJSONObject)

	_, err = ParseDecision("} backwards {")
	assert.ErrorIs(t, err, ErrNoJSONObject)

	_, err = ParseDecision(`{"tool": "suggest_templates",}`)
	assert.Error(t, err)

	_, err = ParseDecision(`{"args": {}}`)
	assert.ErrorIs(t, err, ErrMissingTool)
}

func TestParseDecision_CoercesUnknownValues(t *testing.T) {
	d, err := ParseDecision(`{"tool":"Launch_Rocket","state":"halfway","intent":"newsletter","response":"  ok  "}`)
	require.NoError(t, err)
	assert.Equal(t, models.ToolComposeSimpleEmail, d.Tool)
	assert.Nil(t, d.State)
	require.NotNil(t, d.Intent)
	assert.Equal(t, models.IntentNewsletter, *d.Intent)
	assert.Equal(t, "ok", d.Response)
	assert.NotNil(t, d.Args)
}

func TestHeuristic_Order(t *testing.T) {
	cases := []struct {
		name   string
		prompt string
		state  models.WorkflowState
		tool   models.ToolName
		next   models.WorkflowState
	}{
		{"template id wins", "use sushi-bar-weekly and send it", models.StateTemplateSelected, models.ToolSelectTemplate, models.StateTemplateSelected},
		{"recipients by at sign", "ann@example.com, bob@example.com", models.StateTemplateSelected, models.ToolValidateRecipients, models.StateValidationReview},
		{"recipients by csv", "here is my CSV export", models.StateAudienceCollection, models.ToolValidateRecipients, models.StateValidationReview},
		{"send after selection", "looks great, send it", models.StateValidationReview, models.ToolConfirmQueueCampaign, models.StateQueued},
		{"email intent early", "I want to send a newsletter to my subscribers about our new sushi menu", models.StateIntentCapture, models.ToolSuggestTemplates, models.StateTemplateDiscovery},
		{"clarify early", "I'm not sure where to start", models.StateGoalBrief, models.ToolAskCampaignType, models.StateGoalBrief},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Heuristic(tc.prompt, tc.state, testTemplateIDs)
			assert.Equal(t, tc.tool, d.Tool)
			require.NotNil(t, d.State)
			assert.Equal(t, tc.next, *d.State)
			assert.Equal(t, models.DecisionSourceHeuristic, d.Source)
		})
	}
}

func TestHeuristic_EmailIntentForcesNewsletter(t *testing.T) {
	d := Heuristic("a promo for our summer sale", models.StateIntentCapture, testTemplateIDs)
	require.NotNil(t, d.Intent)
	assert.Equal(t, models.IntentNewsletter, *d.Intent)
	assert.Equal(t, "a promo for our summer sale", d.Args["query"])
}

func TestHeuristic_LateStage(t *testing.T) {
	d := Heuristic("can you add my signature block", models.StateContentRefine, testTemplateIDs)
	assert.Equal(t, models.ToolComposeSignatureEmail, d.Tool)

	d = Heuristic("what else can you do", models.StateContentRefine, testTemplateIDs)
	assert.Equal(t, models.ToolAskCampaignType, d.Tool)
	assert.Nil(t, d.State)
	assert.Equal(t, capabilityScript, d.Response)
}

func TestIsIncoherent(t *testing.T) {
	for _, p := range []string{"xkcd", "qqqq", "123", "zz", "aaaa", "x"} {
		assert.True(t, IsIncoherent(p), p)
	}
	for _, p := range []string{"hi", "ok", "csv", "yes", "newsletter", "sushi-bar-weekly", "send it now", "a@b.co"} {
		assert.False(t, IsIncoherent(p), p)
	}
}

func TestShortCircuit_GreetingOnlyInIntentCapture(t *testing.T) {
	for _, p := range []string{"", "  ", "hi", "Hello!", "help"} {
		res, ok := ShortCircuit(p, session(models.StateIntentCapture))
		require.True(t, ok, p)
		assert.Equal(t, welcomeReply, res.Decision.Response)
		assert.Equal(t, models.DecisionSourceCanned, res.Decision.Source)
	}

	_, ok := ShortCircuit("hello", session(models.StateTemplateSelected))
	assert.False(t, ok)
}

func TestShortCircuit_GreetingResetsIncoherentTurns(t *testing.T) {
	s := session(models.StateIntentCapture)
	res, ok := ShortCircuit("hello", s)
	require.True(t, ok)
	assert.Nil(t, res.Context, "nothing to reset on a clean session")

	s.Context[models.ContextKeyIncoherentTurns] = 2
	res, ok = ShortCircuit("hello", s)
	require.True(t, ok)
	assert.Equal(t, 0, res.Context[models.ContextKeyIncoherentTurns])
}

func TestPlan_IncoherentEscalationAndReset(t *testing.T) {
	gen := &scriptedGenerator{text: `{"tool":"ask_campaign_type"}`}
	p := New(gen, WithTemplateIDs(testTemplateIDs))
	s := session(models.StateIntentCapture)

	var replies []string
	for i, prompt := range []string{"xkcd", "qqqq", "123"} {
		res := p.Plan(context.Background(), Input{Prompt: prompt, Session: s})
		require.True(t, res.ShortCircuited)
		assert.Equal(t, i+1, res.Context[models.ContextKeyIncoherentTurns])
		replies = append(replies, res.Decision.Response)
		s = workflow.ApplyPatch(s, models.WorkflowPatch{Context: res.Context}, models.PatchOptions{})
	}
	assert.NotEqual(t, replies[0], replies[2])
	assert.Zero(t, gen.calls)

	res := p.Plan(context.Background(), Input{Prompt: "qqqq", Session: s})
	assert.Equal(t, MaxIncoherentTurns, res.Context[models.ContextKeyIncoherentTurns])

	res = p.Plan(context.Background(), Input{Prompt: "I need a newsletter for my bakery", Session: s})
	assert.False(t, res.ShortCircuited)
	assert.Equal(t, 0, res.Context[models.ContextKeyIncoherentTurns])
	assert.Equal(t, 1, gen.calls)
}

func TestPlan_UsesModelDecision(t *testing.T) {
	gen := &scriptedGenerator{text: `Here you go: {"tool":"suggest_templates","args":{"query":"sushi"},"state":"TEMPLATE_DISCOVERY","intent":"NEWSLETTER","response":"Let me find some templates."}`}
	p := New(gen, WithTemplateIDs(testTemplateIDs))

	res := p.Plan(context.Background(), Input{
		Prompt:  "newsletter about sushi",
		Session: session(models.StateIntentCapture),
		Profile: models.ModelProfile{Model: "gpt-4.1", Temperature: 0.9, MaxOutputTokens: 1200},
	})
	assert.Equal(t, models.ToolSuggestTemplates, res.Decision.Tool)
	assert.Equal(t, models.DecisionSourceModel, res.Decision.Source)
	assert.Len(t, res.Attempts, 1)
	assert.Nil(t, res.Context)

	assert.InDelta(t, plannerTemperature, gen.req.Profile.Temperature, 1e-9)
	assert.Equal(t, plannerMaxTokens, gen.req.Profile.MaxOutputTokens)
	assert.Contains(t, gen.req.System, "sushi-omakase-signature")
	assert.Contains(t, gen.req.System, "Current state: INTENT_CAPTURE")
}

func TestPlan_FallsBackToHeuristic(t *testing.T) {
	prompt := "I want to send a newsletter to my subscribers about our new sushi menu"
	cases := map[string]*scriptedGenerator{
		"malformed":  {text: "I think you should suggest templates"},
		"provider":   {err: errors.New("503")},
		"no tool":    {text: `{"response":"hi"}`},
		"nil client": nil,
	}
	for name, gen := range cases {
		t.Run(name, func(t *testing.T) {
			var p *Planner
			if gen == nil {
				p = New(nil, WithTemplateIDs(testTemplateIDs))
			} else {
				p = New(gen, WithTemplateIDs(testTemplateIDs))
			}
			res := p.Plan(context.Background(), Input{Prompt: prompt, Session: session(models.StateIntentCapture)})
			assert.Equal(t, models.ToolSuggestTemplates, res.Decision.Tool)
			assert.Equal(t, models.DecisionSourceHeuristic, res.Decision.Source)
		})
	}
}

func TestPlan_TimeoutFallsBack(t *testing.T) {
	gen := &scriptedGenerator{block: true}
	p := New(gen, WithTimeout(20*time.Millisecond))
	res := p.Plan(context.Background(), Input{Prompt: "a newsletter for members", Session: session(models.StateIntentCapture)})
	assert.Equal(t, models.ToolSuggestTemplates, res.Decision.Tool)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, "timeout", res.Attempts[0].ErrorCode)
}

func TestBuildSystemPrompt_Redirect(t *testing.T) {
	s := BuildSystemPrompt(session(models.StateGoalBrief), nil, true)
	assert.Contains(t, s, scopeRedirect)
	assert.Contains(t, s, "compose_simple_email")
	assert.NotContains(t, BuildSystemPrompt(nil, nil, false), scopeRedirect)
}

func TestResponseSystemPrompt_BrandVoice(t *testing.T) {
	plain := ResponseSystemPrompt(models.StateTemplateDiscovery, "", false)
	assert.NotContains(t, plain, "<BRAND VOICE>")

	voiced := ResponseSystemPrompt(models.StateTemplateDiscovery, "elegant, no emojis", true)
	assert.Contains(t, voiced, "<BRAND VOICE>")
	assert.Contains(t, voiced, "Do NOT use emojis")
	assert.Contains(t, voiced, "outside email campaigns")
}
