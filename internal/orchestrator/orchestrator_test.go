package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CampaignPipe/internal/credits"
	"github.com/BTreeMap/CampaignPipe/internal/genai"
	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/BTreeMap/CampaignPipe/internal/planner"
	"github.com/BTreeMap/CampaignPipe/internal/registry"
	"github.com/BTreeMap/CampaignPipe/internal/store"
	"github.com/BTreeMap/CampaignPipe/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const newsletterPrompt = "I want to send a newsletter to my subscribers about our new sushi menu"

// scriptedGen is a Responder/Generator double. Stream delivers tokens and then
// returns streamErr; Generate returns text or genErr.
type scriptedGen struct {
	mu        sync.Mutex
	text      string
	genErr    error
	tokens    []string
	streamErr error
	generated int
	streamed  int
}

func (g *scriptedGen) attempt(status models.TelemetryStatus) []genai.Attempt {
	return []genai.Attempt{{Provider: "openai", Model: "gpt-4o-mini", LatencyMs: 120, TokenIn: 40, TokenOut: 12, Status: status}}
}

func (g *scriptedGen) Generate(ctx context.Context, req genai.Request) (genai.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.generated++
	if g.genErr != nil {
		return genai.Response{Attempts: g.attempt(models.TelemetryStatusError)}, g.genErr
	}
	return genai.Response{Text: g.text, Attempts: g.attempt(models.TelemetryStatusOK)}, nil
}

func (g *scriptedGen) Stream(ctx context.Context, req genai.Request, onToken func(string) error) (genai.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streamed++
	var sb strings.Builder
	for _, tok := range g.tokens {
		if err := onToken(tok); err != nil {
			return genai.Response{Text: sb.String(), Attempts: g.attempt(models.TelemetryStatusOK)}, genai.ErrStreamAbandoned
		}
		sb.WriteString(tok)
	}
	if g.streamErr != nil {
		return genai.Response{Text: sb.String(), Attempts: g.attempt(models.TelemetryStatusError)}, g.streamErr
	}
	return genai.Response{Text: sb.String(), Attempts: g.attempt(models.TelemetryStatusOK)}, nil
}

type harness struct {
	store   *store.InMemoryStore
	credits *credits.Engine
	orch    *Orchestrator
}

type harnessOpts struct {
	planGen   planner.Generator
	responder Responder
	store     Store
}

func newHarness(t *testing.T, hopts harnessOpts, opts ...Option) *harness {
	t.Helper()
	catalog, err := tools.DefaultCatalog()
	require.NoError(t, err)

	mem := store.NewInMemoryStore()
	engine := credits.NewEngine(mem, mem)
	reg := registry.New(registry.WithEnvLookup(func(string) string { return "" }))
	pl := planner.New(hopts.planGen, planner.WithTemplateIDs(catalog.IDs()), planner.WithTimeout(time.Second))

	var st Store = mem
	if hopts.store != nil {
		st = hopts.store
	}
	if hopts.responder != nil {
		opts = append(opts, WithResponder(hopts.responder))
	}
	return &harness{
		store:   mem,
		credits: engine,
		orch:    New(st, engine, reg, pl, tools.NewExecutor(catalog), opts...),
	}
}

func collect(events *[]models.Event) func(models.Event) error {
	return func(ev models.Event) error {
		*events = append(*events, ev)
		return nil
	}
}

func eventTypes(events []models.Event) []models.EventType {
	out := make([]models.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func turn(userID, conversationID, prompt string) models.TurnRequest {
	return models.TurnRequest{UserID: userID, Plan: models.PlanFree, Mode: "essential", ConversationID: conversationID, Prompt: prompt}
}

func TestRun_NewsletterScenario(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	var events []models.Event
	done, err := h.orch.Run(ctx, turn("u1", "conv-sushi", newsletterPrompt), collect(&events))
	require.NoError(t, err)

	assert.Equal(t, []models.EventType{
		models.EventSession, models.EventToolStart, models.EventToolResult,
		models.EventStatePatch, models.EventToken, models.EventDone,
	}, eventTypes(events))
	assert.False(t, events[0].Session.Resumed)
	assert.Equal(t, models.ToolSuggestTemplates, events[1].Tool.Tool)

	assert.Equal(t, models.StateTemplateDiscovery, done.State)
	assert.Equal(t, models.IntentNewsletter, done.Intent)
	assert.Equal(t, "conv-sushi", done.ConversationID)
	require.NotEmpty(t, done.TemplateSuggestions)
	assert.LessOrEqual(t, len(done.TemplateSuggestions), tools.MaxSuggestions)
	for _, s := range done.TemplateSuggestions {
		assert.Equal(t, models.AccessTierFree, s.AccessTier, "free plan must not see pro templates")
	}
	require.NotNil(t, done.RemainingCredits)
	require.NotNil(t, done.MaxCredits)
	assert.Equal(t, 12, *done.MaxCredits)
	assert.Less(t, *done.RemainingCredits, 12)
	assert.Same(t, done, events[len(events)-1].Done)

	saved, err := h.store.GetSession(ctx, "u1", "conv-sushi")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, models.StateTemplateDiscovery, saved.State)
	assert.Equal(t, models.IntentNewsletter, saved.Intent)
	assert.Equal(t, newsletterPrompt, saved.ContextString(models.ContextKeyGoal))
	require.NotNil(t, saved.Summary)
	assert.Equal(t, done.Text, *saved.Summary)

	cps, err := h.store.ListCheckpoints(ctx, saved.SessionID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, done.RequestID, cps[0].RequestID)
	assert.Equal(t, "suggest_templates", cps[0].Payload["tool"])
}

func TestRun_GoalIsCapturedOnce(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.orch.Run(ctx, turn("u1", "conv-goal", newsletterPrompt), nil)
	require.NoError(t, err)
	_, err = h.orch.Run(ctx, turn("u1", "conv-goal", "actually make it a promo for the lunch specials"), nil)
	require.NoError(t, err)

	saved, err := h.store.GetSession(ctx, "u1", "conv-goal")
	require.NoError(t, err)
	assert.Equal(t, newsletterPrompt, saved.ContextString(models.ContextKeyGoal))
	assert.Equal(t, 2, saved.Version)
}

func TestRun_InsufficientCreditsStopsBeforeAnyEvent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	snap, err := h.credits.Snapshot(ctx, "u1", models.PlanFree)
	require.NoError(t, err)
	_, err = h.store.IncrementUsage(ctx, snap.BucketKey, "u1", snap.MaxCredits)
	require.NoError(t, err)

	var events []models.Event
	done, err := h.orch.Run(ctx, turn("u1", "conv-broke", newsletterPrompt), collect(&events))
	require.Error(t, err)
	assert.Nil(t, done)

	var insufficient *models.InsufficientCreditsError
	require.True(t, errors.As(err, &insufficient))
	assert.True(t, errors.Is(err, models.ErrInsufficientCredits))
	assert.NotEmpty(t, insufficient.ResetETA)

	require.Len(t, events, 1)
	assert.Equal(t, models.EventError, events[0].Type)
	assert.Equal(t, ErrorCodeInsufficientCredits, events[0].Error.Code)

	saved, err := h.store.GetSession(ctx, "u1", "conv-broke")
	require.NoError(t, err)
	assert.Nil(t, saved, "no state may be persisted for a rejected turn")
}

func TestRun_GreetingChargesNothing(t *testing.T) {
	responder := &scriptedGen{tokens: []string{"unused"}}
	h := newHarness(t, harnessOpts{responder: responder})

	var events []models.Event
	done, err := h.orch.Run(context.Background(), turn("u1", "conv-hi", "hi"), collect(&events))
	require.NoError(t, err)

	assert.Equal(t, models.StateIntentCapture, done.State)
	assert.Contains(t, eventTypes(events), models.EventToken)
	assert.Equal(t, 12, *done.RemainingCredits)
	assert.Zero(t, responder.streamed, "short-circuited turns make no model call")
}

func TestRun_IncoherentTurnsEscalateAndReset(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	var texts []string
	for _, p := range []string{"xkcd", "qqqq", "123"} {
		done, err := h.orch.Run(ctx, turn("u1", "conv-noise", p), nil)
		require.NoError(t, err)
		texts = append(texts, done.Text)
	}
	saved, _ := h.store.GetSession(ctx, "u1", "conv-noise")
	assert.Equal(t, 3, saved.ContextInt(models.ContextKeyIncoherentTurns))
	assert.NotEqual(t, texts[0], texts[2])

	_, err := h.orch.Run(ctx, turn("u1", "conv-noise", newsletterPrompt), nil)
	require.NoError(t, err)
	saved, _ = h.store.GetSession(ctx, "u1", "conv-noise")
	assert.Equal(t, 0, saved.ContextInt(models.ContextKeyIncoherentTurns))
}

func TestRun_GreetingResetsIncoherentTurns(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	first, err := h.orch.Run(ctx, turn("u1", "conv-hello", "xkcd"), nil)
	require.NoError(t, err)
	_, err = h.orch.Run(ctx, turn("u1", "conv-hello", "hello"), nil)
	require.NoError(t, err)
	saved, _ := h.store.GetSession(ctx, "u1", "conv-hello")
	assert.Equal(t, 0, saved.ContextInt(models.ContextKeyIncoherentTurns))

	again, err := h.orch.Run(ctx, turn("u1", "conv-hello", "qqqq"), nil)
	require.NoError(t, err)
	assert.Equal(t, first.Text, again.Text, "the count starts over after a coherent turn")
}

func TestRun_StreamsModelReplyAndRecordsTelemetry(t *testing.T) {
	planGen := &scriptedGen{text: `{"tool":"suggest_templates","args":{"query":"sushi newsletter"},"state":"TEMPLATE_DISCOVERY","intent":"NEWSLETTER","response":"Let's find a template."}`}
	responder := &scriptedGen{tokens: []string{"Here are ", "four sushi ", "templates."}}
	h := newHarness(t, harnessOpts{planGen: planGen, responder: responder})

	var events []models.Event
	done, err := h.orch.Run(context.Background(), turn("u1", "conv-model", newsletterPrompt), collect(&events))
	require.NoError(t, err)

	var tokens []string
	for _, ev := range events {
		if ev.Type == models.EventToken {
			tokens = append(tokens, ev.Token)
		}
	}
	assert.Equal(t, responder.tokens, tokens)
	assert.Equal(t, "Here are four sushi templates.", done.Text)
	assert.Equal(t, models.StateTemplateDiscovery, done.State)

	recs := h.store.Telemetry()
	require.Len(t, recs, 2, "one record per planner attempt and per response attempt")
	for _, r := range recs {
		assert.Equal(t, done.RequestID, r.RequestID)
		assert.Equal(t, "allow", r.ModerationAction)
	}
}

func TestRun_ResponderFailureFallsBackToToolText(t *testing.T) {
	responder := &scriptedGen{streamErr: errors.New("provider down"), genErr: errors.New("still down")}
	h := newHarness(t, harnessOpts{responder: responder})

	var events []models.Event
	done, err := h.orch.Run(context.Background(), turn("u1", "conv-down", newsletterPrompt), collect(&events))
	require.NoError(t, err, "generation failure must not fail the turn")

	assert.Equal(t, 1, responder.streamed)
	assert.Equal(t, 1, responder.generated)
	assert.True(t, strings.HasPrefix(done.Text, "Here are templates that fit"), done.Text)
	assert.Len(t, h.store.Telemetry(), 2)
	assert.Equal(t, models.StateTemplateDiscovery, done.State)
}

func TestRun_SingleShotRetryAfterStreamFailure(t *testing.T) {
	responder := &scriptedGen{streamErr: errors.New("stream reset"), text: "Pick one of these templates."}
	h := newHarness(t, harnessOpts{responder: responder})

	var events []models.Event
	done, err := h.orch.Run(context.Background(), turn("u1", "conv-retry", newsletterPrompt), collect(&events))
	require.NoError(t, err)
	assert.Equal(t, "Pick one of these templates.", done.Text)

	var tokens []string
	for _, ev := range events {
		if ev.Type == models.EventToken {
			tokens = append(tokens, ev.Token)
		}
	}
	assert.Equal(t, []string{"Pick one of these templates."}, tokens)
}

func TestRun_CallerGoneStillCommitsAndSettles(t *testing.T) {
	responder := &scriptedGen{tokens: []string{"one ", "two ", "three"}}
	h := newHarness(t, harnessOpts{responder: responder})
	ctx := context.Background()

	sent := 0
	emit := func(ev models.Event) error {
		if ev.Type == models.EventToken {
			return errors.New("client disconnected")
		}
		sent++
		return nil
	}
	done, err := h.orch.Run(ctx, turn("u1", "conv-gone", newsletterPrompt), emit)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, 4, sent, "session, tool_start, tool_result and state_patch were delivered")

	saved, err := h.store.GetSession(ctx, "u1", "conv-gone")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, models.StateTemplateDiscovery, saved.State)

	snap, err := h.credits.Snapshot(ctx, "u1", models.PlanFree)
	require.NoError(t, err)
	assert.Greater(t, snap.UsedCredits, 0)
}

func TestRun_ConfirmQueuesHandoff(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	tpl := "sushi-bar-weekly"
	now := time.Now().UTC()
	seed := &models.WorkflowSession{
		SessionID: "ws_seed", UserID: "u1", ConversationID: "conv-send",
		State: models.StateValidationReview, Intent: models.IntentNewsletter,
		SelectedTemplateID: &tpl, RecipientStats: &models.RecipientStats{Total: 2, Valid: 2},
		Context: map[string]any{models.ContextKeyGoal: "sushi launch"}, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.store.CommitTurn(ctx, store.TurnCommit{Session: seed}))

	done, err := h.orch.Run(ctx, turn("u1", "conv-send", "looks good, send it"), nil)
	require.NoError(t, err)
	require.NotNil(t, done.CampaignID)
	assert.Equal(t, models.StateQueued, done.State)

	msgs := h.store.OutboxMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, *done.CampaignID, msgs[0].DedupeKey)
	assert.Equal(t, store.HandoffKind, msgs[0].Kind)
	assert.Contains(t, msgs[0].PayloadJSON, `"template_id":"sushi-bar-weekly"`)
	assert.Contains(t, msgs[0].PayloadJSON, `"smtp_source":"platform"`)

	saved, _ := h.store.GetSession(ctx, "u1", "conv-send")
	assert.Equal(t, "sushi launch", saved.ContextString(models.ContextKeyGoal))
	assert.Equal(t, tools.SMTPSourcePlatform, saved.ContextString(models.ContextKeySMTPSource))
}

func TestRun_ModelQueueOnFreshSessionIsRerouted(t *testing.T) {
	planGen := &scriptedGen{text: `{"tool":"confirm_queue_campaign","args":{},"state":"QUEUED"}`}
	h := newHarness(t, harnessOpts{planGen: planGen})
	ctx := context.Background()

	var events []models.Event
	done, err := h.orch.Run(ctx, turn("u1", "conv-rush", "just send my campaign now"), collect(&events))
	require.NoError(t, err)
	assert.Equal(t, models.StateIntentCapture, done.State)
	assert.Nil(t, done.CampaignID)
	assert.Empty(t, h.store.OutboxMessages(), "an incomplete campaign must not be handed off")

	for _, ev := range events {
		if ev.Type == models.EventToolStart {
			assert.Equal(t, models.ToolReviewCampaign, ev.Tool.Tool)
		}
	}
	saved, _ := h.store.GetSession(ctx, "u1", "conv-rush")
	require.NotNil(t, saved)
	assert.Empty(t, saved.ContextString(models.ContextKeySMTPSource))
}

func TestRun_QueueWithoutRecipientsAsksForThem(t *testing.T) {
	planGen := &scriptedGen{text: `{"tool":"confirm_queue_campaign","args":{"smtpSource":"gmail"},"state":"QUEUED"}`}
	h := newHarness(t, harnessOpts{planGen: planGen})
	ctx := context.Background()

	tpl := "sushi-bar-weekly"
	now := time.Now().UTC()
	seed := &models.WorkflowSession{
		SessionID: "ws_norcpt", UserID: "u1", ConversationID: "conv-norcpt",
		State: models.StateTemplateSelected, Intent: models.IntentNewsletter,
		SelectedTemplateID: &tpl, RecipientStats: &models.RecipientStats{Total: 2, Invalid: 2},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.store.CommitTurn(ctx, store.TurnCommit{Session: seed}))

	done, err := h.orch.Run(ctx, turn("u1", "conv-norcpt", "queue it"), nil)
	require.NoError(t, err)
	assert.Equal(t, models.StateAudienceCollection, done.State)
	assert.Nil(t, done.CampaignID)
	assert.Empty(t, h.store.OutboxMessages())
}

func TestRun_FailedSelectionKeepsState(t *testing.T) {
	planGen := &scriptedGen{text: `{"tool":"select_template","args":{"templateId":"no-such-template"},"state":"TEMPLATE_SELECTED"}`}
	h := newHarness(t, harnessOpts{planGen: planGen})

	done, err := h.orch.Run(context.Background(), turn("u1", "conv-miss", "use the fancy one"), nil)
	require.NoError(t, err)
	assert.Equal(t, models.StateIntentCapture, done.State)
	assert.Nil(t, done.SelectedTemplateID)
}

type conflictStore struct {
	*store.InMemoryStore
}

func (conflictStore) CommitTurn(context.Context, store.TurnCommit) error {
	return models.ErrSessionVersionConflict
}

func TestRun_PersistenceFailureIsHardError(t *testing.T) {
	h := newHarness(t, harnessOpts{store: conflictStore{store.NewInMemoryStore()}})
	ctx := context.Background()

	var events []models.Event
	done, err := h.orch.Run(ctx, turn("u1", "conv-race", newsletterPrompt), collect(&events))
	require.Error(t, err)
	assert.Nil(t, done)
	assert.True(t, errors.Is(err, models.ErrSessionVersionConflict))

	last := events[len(events)-1]
	assert.Equal(t, models.EventError, last.Type)
	assert.Equal(t, ErrorCodeSessionConflict, last.Error.Code)

	snap, err := h.credits.Snapshot(ctx, "u1", models.PlanFree)
	require.NoError(t, err)
	assert.Zero(t, snap.UsedCredits, "credits settle only after a successful commit")
}

func TestRun_ResumesLatestConversation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	first, err := h.orch.Run(ctx, turn("u1", "", newsletterPrompt), nil)
	require.NoError(t, err)
	require.NotEmpty(t, first.ConversationID)

	var events []models.Event
	second, err := h.orch.Run(ctx, turn("u1", "", "something with a friendly tone"), collect(&events))
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.True(t, events[0].Session.Resumed)
	assert.Equal(t, models.StateTemplateDiscovery, events[0].Session.State)
}

func TestRun_ExpiredSessionStartsFresh(t *testing.T) {
	h := newHarness(t, harnessOpts{}, WithResumeWindow(time.Hour))
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	seed := &models.WorkflowSession{
		SessionID: "ws_old", UserID: "u1", ConversationID: "conv-old",
		State: models.StateContentRefine, Intent: models.IntentNewsletter,
		Context: map[string]any{}, CreatedAt: old, UpdatedAt: old,
	}
	require.NoError(t, h.store.CommitTurn(ctx, store.TurnCommit{Session: seed}))

	var events []models.Event
	done, err := h.orch.Run(ctx, turn("u1", "conv-old", newsletterPrompt), collect(&events))
	require.NoError(t, err)
	assert.False(t, events[0].Session.Resumed)
	assert.NotEqual(t, "ws_old", events[0].Session.SessionID)
	assert.Equal(t, "conv-old", done.ConversationID)
	assert.Equal(t, models.StateTemplateDiscovery, done.State)
}

func TestRun_InvalidRequest(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	var events []models.Event
	_, err := h.orch.Run(context.Background(), models.TurnRequest{Prompt: "hello"}, collect(&events))
	assert.ErrorIs(t, err, models.ErrEmptyUserID)
	require.Len(t, events, 1)
	assert.Equal(t, ErrorCodeInvalidRequest, events[0].Error.Code)
}

func TestRun_ScopeRedirectIsAnnounced(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	var events []models.Event
	_, err := h.orch.Run(context.Background(), turn("u1", "conv-off", "tell me a joke about cats"), collect(&events))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, models.EventModeration, events[1].Type)
	assert.Equal(t, "rewrite_scope", events[1].Moderation.Action)
}

func TestStream_ClosesAfterDone(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	var got []models.EventType
	for ev := range h.orch.Stream(context.Background(), turn("u1", "conv-stream", newsletterPrompt)) {
		got = append(got, ev.Type)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, models.EventDone, got[len(got)-1])
}

func TestConcurrentTurnsOnOneConversationSerialize(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Run(ctx, turn("u1", "conv-busy", newsletterPrompt), nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	saved, _ := h.store.GetSession(ctx, "u1", "conv-busy")
	assert.Equal(t, 5, saved.Version)
	cps, _ := h.store.ListCheckpoints(ctx, saved.SessionID)
	assert.Len(t, cps, 5)
	assert.Zero(t, h.orch.locks.size())
}
