// Package orchestrator runs one assistant turn end to end: moderation, credit
// pre-check, planning, tool execution, response generation, persistence and
// credit settlement. Progress is reported as a stream of typed events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CampaignPipe/internal/credits"
	"github.com/BTreeMap/CampaignPipe/internal/genai"
	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/BTreeMap/CampaignPipe/internal/moderation"
	"github.com/BTreeMap/CampaignPipe/internal/planner"
	"github.com/BTreeMap/CampaignPipe/internal/registry"
	"github.com/BTreeMap/CampaignPipe/internal/store"
	"github.com/BTreeMap/CampaignPipe/internal/util"
	"golang.org/x/sync/errgroup"
)

// Defaults for turn processing.
const (
	DefaultResumeWindow      = 30 * 24 * time.Hour
	DefaultGenerationTimeout = 25 * time.Second
)

// Error codes carried by error events.
const (
	ErrorCodeInvalidRequest      = "invalid_request"
	ErrorCodeInsufficientCredits = "insufficient_credits"
	ErrorCodeSessionConflict     = "session_conflict"
	ErrorCodePersistenceFailed   = "persistence_failed"
	ErrorCodeInternal            = "internal_error"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	store.SessionRepo
	RecordTelemetry(ctx context.Context, rec models.TelemetryRecord) error
}

// CreditMeter gates and settles AI usage.
type CreditMeter interface {
	AssertMinimumCredits(ctx context.Context, userID string, plan models.Plan, minimum int) (models.CreditsSnapshot, error)
	ConsumeAiCredits(ctx context.Context, userID string, plan models.Plan, credits int, cached *models.CreditsSnapshot) (int, models.CreditsSnapshot, error)
}

// ProfileResolver maps a requested mode and plan to a model profile.
type ProfileResolver interface {
	ResolveModelProfile(mode string, plan models.Plan) models.ModelProfile
	FallbackModels(profile models.ModelProfile) []string
}

// TurnPlanner chooses the tool for a turn.
type TurnPlanner interface {
	Plan(ctx context.Context, in planner.Input) planner.Result
}

// ToolExecutor runs a deterministic tool.
type ToolExecutor interface {
	Execute(call models.ToolCall) models.ToolResult
}

// Responder writes the user-facing reply.
type Responder interface {
	Generate(ctx context.Context, req genai.Request) (genai.Response, error)
	Stream(ctx context.Context, req genai.Request, onToken func(string) error) (genai.Response, error)
}

// Orchestrator sequences the turn pipeline.
type Orchestrator struct {
	store        Store
	credits      CreditMeter
	profiles     ProfileResolver
	planner      TurnPlanner
	tools        ToolExecutor
	responder    Responder
	locks        *keyedMutex
	resumeWindow time.Duration
	genTimeout   time.Duration
	now          func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithResponder sets the reply generator. Without one, replies fall back to
// the planner draft or the tool text.
func WithResponder(r Responder) Option {
	return func(o *Orchestrator) {
		o.responder = r
	}
}

// WithResumeWindow sets how long an idle session may still be resumed.
func WithResumeWindow(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.resumeWindow = d
		}
	}
}

// WithGenerationTimeout bounds the reply generation call.
func WithGenerationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.genTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an Orchestrator.
func New(st Store, meter CreditMeter, profiles ProfileResolver, pl TurnPlanner, tools ToolExecutor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        st,
		credits:      meter,
		profiles:     profiles,
		planner:      pl,
		tools:        tools,
		locks:        newKeyedMutex(),
		resumeWindow: DefaultResumeWindow,
		genTimeout:   DefaultGenerationTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Stream runs the turn in a goroutine and delivers its events on the returned
// channel, which is closed when the turn ends. Cancelling ctx stops delivery;
// state computed so far is still persisted and settled.
func (o *Orchestrator) Stream(ctx context.Context, req models.TurnRequest) <-chan models.Event {
	ch := make(chan models.Event)
	go func() {
		defer close(ch)
		o.Run(ctx, req, func(ev models.Event) error {
			select {
			case ch <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return ch
}

// Run processes one turn, calling emit for every event. When emit fails the
// caller is treated as gone: no further events are sent but the turn still
// commits. The returned error is set only when the turn could not complete.
func (o *Orchestrator) Run(ctx context.Context, req models.TurnRequest, emit func(models.Event) error) (*models.TurnResult, error) {
	em := &emitter{fn: emit}
	if err := req.Validate(); err != nil {
		em.fail(ErrorCodeInvalidRequest, err.Error())
		return nil, err
	}

	plan := registry.NormalizePlan(string(req.Plan))
	requestID := util.GenerateRequestID()

	conversationID, err := o.resolveConversationID(ctx, req.UserID, req.ConversationID)
	if err != nil {
		em.fail(ErrorCodeInternal, "could not load conversation")
		return nil, err
	}
	unlock := o.locks.Lock(req.UserID + "|" + conversationID)
	defer unlock()

	session, resumed, err := o.loadSession(ctx, req.UserID, conversationID)
	if err != nil {
		em.fail(ErrorCodeInternal, "could not load conversation")
		return nil, err
	}

	mod := moderation.Moderate(req.Prompt)
	prompt := mod.SanitizedPrompt
	profile := o.profiles.ResolveModelProfile(req.Mode, plan)

	// Credits are checked before any event so callers can still answer with a
	// rate-limit status.
	minimum := credits.EstimateCreditCost(prompt, "", profile.Mode, "")
	snapshot, err := o.credits.AssertMinimumCredits(ctx, req.UserID, plan, minimum)
	if err != nil {
		var insufficient *models.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			slog.Info("Orchestrator.Run: insufficient credits", "userID", req.UserID, "required", minimum,
				"remaining", insufficient.Snapshot.RemainingCredits)
			em.fail(ErrorCodeInsufficientCredits, err.Error())
			return nil, err
		}
		em.fail(ErrorCodeInternal, "could not check credits")
		return nil, fmt.Errorf("credit pre-check: %w", err)
	}

	slog.Debug("Orchestrator.Run: turn started", "requestID", requestID, "userID", req.UserID,
		"sessionID", session.SessionID, "resumed", resumed, "state", session.State, "mode", profile.Mode)

	em.send(models.Event{Type: models.EventSession, Session: &models.SessionEvent{
		SessionID:      session.SessionID,
		ConversationID: session.ConversationID,
		Resumed:        resumed,
		State:          session.State,
	}})
	if mod.Rewritten() {
		em.send(models.Event{Type: models.EventModeration, Moderation: &models.ModerationEvent{
			Action:  string(mod.Action),
			Message: mod.Message,
		}})
	}

	var telemetry errgroup.Group
	record := func(attempts []genai.Attempt) {
		if len(attempts) == 0 {
			return
		}
		telemetry.Go(func() error {
			return o.recordAttempts(context.WithoutCancel(ctx), requestID, session, mod.Action, attempts)
		})
	}

	planned := o.planner.Plan(ctx, planner.Input{
		Prompt:        prompt,
		Session:       session,
		Profile:       profile,
		Fallbacks:     o.profiles.FallbackModels(profile),
		ScopeRedirect: mod.Action == moderation.ActionRewriteScope,
	})
	record(planned.Attempts)
	planned.Decision = guardQueue(session, planned.Decision)
	decision := planned.Decision

	turnContext := captureContext(session, prompt, mod, planned)
	call := models.ToolCall{
		Tool:               decision.Tool,
		Args:               decision.Args,
		Context:            mergedContext(session.Context, turnContext),
		SelectedTemplateID: session.SelectedTemplateID,
		RecipientStats:     session.RecipientStats,
		UserPlan:           plan,
	}
	em.send(models.Event{Type: models.EventToolStart, Tool: &models.ToolEvent{Tool: decision.Tool, Args: decision.Args}})
	result := o.tools.Execute(call)
	em.send(models.Event{Type: models.EventToolResult, Tool: &models.ToolEvent{Tool: decision.Tool, Result: &result}})

	next := applyTurn(session, decision, result, turnContext)
	em.send(models.Event{Type: models.EventStatePatch, StatePatch: &models.StatePatchEvent{
		From:   session.State,
		To:     next.State,
		Intent: next.Intent,
	}})

	text, attempts := o.respond(ctx, em, prompt, next, mod, profile, planned, result)
	record(attempts)

	// Everything below must finish even if the caller went away.
	commitCtx := context.WithoutCancel(ctx)
	summary := text
	next.Summary = &summary
	next.UpdatedAt = o.now().UTC()

	commit := store.TurnCommit{
		Session: next,
		Checkpoint: models.WorkflowCheckpoint{
			RequestID: requestID,
			State:     next.State,
			Payload:   checkpointPayload(decision, mod, result, text),
		},
		Handoff: o.handoff(next, decision, result),
	}
	if err := o.store.CommitTurn(commitCtx, commit); err != nil {
		telemetry.Wait()
		slog.Error("Orchestrator.Run: persistence failed", "requestID", requestID, "sessionID", next.SessionID, "error", err)
		if errors.Is(err, models.ErrSessionVersionConflict) {
			em.fail(ErrorCodeSessionConflict, "the conversation changed while this message was processed; please resend")
		} else {
			em.fail(ErrorCodePersistenceFailed, "something went wrong saving this step; please resend")
		}
		return nil, fmt.Errorf("persist turn: %w", err)
	}

	if !planned.ShortCircuited {
		charge := credits.EstimateCreditCost(prompt, text, profile.Mode, decision.Tool)
		charged, fresh, err := o.credits.ConsumeAiCredits(commitCtx, req.UserID, plan, charge, &snapshot)
		if err != nil {
			slog.Error("Orchestrator.Run: credit settlement failed", "requestID", requestID, "userID", req.UserID, "error", err)
		} else {
			slog.Debug("Orchestrator.Run: credits settled", "requestID", requestID, "requested", charge, "charged", charged)
			snapshot = fresh
		}
	}

	if err := telemetry.Wait(); err != nil {
		slog.Warn("Orchestrator.Run: telemetry write failed", "requestID", requestID, "error", err)
	}

	done := &models.TurnResult{
		RequestID:           requestID,
		ConversationID:      next.ConversationID,
		State:               next.State,
		Intent:              next.Intent,
		Text:                text,
		SelectedTemplateID:  next.SelectedTemplateID,
		TemplateSuggestions: result.TemplateSuggestions,
		RecipientStats:      next.RecipientStats,
		CampaignID:          result.CampaignID,
		RemainingCredits:    &snapshot.RemainingCredits,
		MaxCredits:          &snapshot.MaxCredits,
	}
	em.send(models.Event{Type: models.EventDone, Done: done})
	slog.Info("Orchestrator.Run: turn completed", "requestID", requestID, "userID", req.UserID,
		"sessionID", next.SessionID, "tool", decision.Tool, "source", decision.Source, "state", next.State,
		"callerGone", em.gone())
	return done, nil
}

func (o *Orchestrator) recordAttempts(ctx context.Context, requestID string, session *models.WorkflowSession, action moderation.Action, attempts []genai.Attempt) error {
	now := o.now().UTC()
	var errs []error
	for _, a := range attempts {
		err := o.store.RecordTelemetry(ctx, models.TelemetryRecord{
			RequestID:        requestID,
			SessionID:        session.SessionID,
			UserID:           session.UserID,
			Provider:         a.Provider,
			Model:            a.Model,
			LatencyMs:        a.LatencyMs,
			TokenIn:          a.TokenIn,
			TokenOut:         a.TokenOut,
			EstimatedCostUSD: a.EstimatedCostUSD,
			Status:           a.Status,
			ErrorCode:        a.ErrorCode,
			ModerationAction: string(action),
			CreatedAt:        now,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// emitter forwards events until the first delivery failure.
type emitter struct {
	fn  func(models.Event) error
	err error
}

func (e *emitter) send(ev models.Event) {
	if e.err != nil || e.fn == nil {
		return
	}
	if err := e.fn(ev); err != nil {
		slog.Info("Orchestrator: caller stopped receiving events", "event", ev.Type, "error", err)
		e.err = err
	}
}

func (e *emitter) fail(code, message string) {
	e.send(models.Event{Type: models.EventError, Error: &models.ErrorEvent{Code: code, Message: message}})
}

func (e *emitter) gone() bool {
	return e.err != nil
}
