package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/BTreeMap/CampaignPipe/internal/testutil"
)

type fakeRunner struct {
	events []models.Event
	result *models.TurnResult
	err    error
	calls  int
}

func (f *fakeRunner) Run(_ context.Context, req models.TurnRequest, emit func(models.Event) error) (*models.TurnResult, error) {
	f.calls++
	if emit != nil {
		for _, ev := range f.events {
			if err := emit(ev); err != nil {
				break
			}
		}
	}
	return f.result, f.err
}

type fakeCredits struct {
	snap     models.CreditsSnapshot
	err      error
	lastPlan models.Plan
}

func (f *fakeCredits) Snapshot(_ context.Context, _ string, plan models.Plan) (models.CreditsSnapshot, error) {
	f.lastPlan = plan
	return f.snap, f.err
}

type fakeSessions struct {
	session     *models.WorkflowSession
	checkpoints []models.WorkflowCheckpoint
}

func (f *fakeSessions) GetSession(_ context.Context, userID, conversationID string) (*models.WorkflowSession, error) {
	if f.session == nil || f.session.UserID != userID || f.session.ConversationID != conversationID {
		return nil, nil
	}
	return f.session, nil
}

func (f *fakeSessions) ListCheckpoints(_ context.Context, _ string) ([]models.WorkflowCheckpoint, error) {
	return f.checkpoints, nil
}

func newTestServer(runner *fakeRunner) (*Server, *fakeCredits, *fakeSessions) {
	cr := &fakeCredits{}
	ss := &fakeSessions{}
	return NewServer(runner, cr, ss, WithRateLimit(600, 100)), cr, ss
}

func doturn(t *testing.T, h http.Handler, body string, accept string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/assistant/turn", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(&fakeRunner{})
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
}

func TestTurnHandler_JSON(t *testing.T) {
	runner := &fakeRunner{result: &models.TurnResult{RequestID: "req_1", ConversationID: "conv_1", State: models.StateTemplateDiscovery, Text: "Pick a template"}}
	s, _, _ := newTestServer(runner)

	rr := doturn(t, s.Router(), `{"userId":"u1","plan":"free","mode":"fast","prompt":"newsletter"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := testutil.DecodeAPIResponse(t, rr)
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("expected ok status, got %q", resp.Status)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok || result["conversationId"] != "conv_1" {
		t.Errorf("unexpected result %#v", resp.Result)
	}
}

func TestTurnHandler_InvalidJSON(t *testing.T) {
	runner := &fakeRunner{}
	s, _, _ := newTestServer(runner)
	rr := doturn(t, s.Router(), `{not json`, "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if runner.calls != 0 {
		t.Errorf("runner should not be called")
	}
}

func TestTurnHandler_MissingUser(t *testing.T) {
	runner := &fakeRunner{}
	s, _, _ := newTestServer(runner)
	rr := doturn(t, s.Router(), `{"prompt":"hi"}`, "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestTurnHandler_InsufficientCreditsJSON(t *testing.T) {
	runner := &fakeRunner{err: &models.InsufficientCreditsError{
		Snapshot: models.CreditsSnapshot{Limited: true, MaxCredits: 20},
		Required: 3,
		ResetETA: "in 2h",
	}}
	s, _, _ := newTestServer(runner)
	rr := doturn(t, s.Router(), `{"userId":"u1","prompt":"write an email"}`, "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if resp := testutil.DecodeAPIResponse(t, rr); resp.Status != string(models.APIStatusRateLimited) {
		t.Errorf("expected rate_limited status, got %q", resp.Status)
	}
}

func TestTurnHandler_InsufficientCreditsSSE(t *testing.T) {
	runner := &fakeRunner{
		events: []models.Event{{Type: models.EventError, Error: &models.ErrorEvent{Code: "insufficient_credits", Message: "no credits"}}},
		err:    &models.InsufficientCreditsError{Required: 3},
	}
	s, _, _ := newTestServer(runner)
	rr := doturn(t, s.Router(), `{"userId":"u1","prompt":"write an email"}`, "text/event-stream")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}
}

func TestTurnHandler_SSE(t *testing.T) {
	done := &models.TurnResult{RequestID: "req_1", ConversationID: "conv_1"}
	runner := &fakeRunner{
		events: []models.Event{
			{Type: models.EventSession, Session: &models.SessionEvent{SessionID: "s1", ConversationID: "conv_1"}},
			{Type: models.EventToken, Token: "Hello"},
			{Type: models.EventDone, Done: done},
		},
		result: done,
	}
	s, _, _ := newTestServer(runner)
	rr := doturn(t, s.Router(), `{"userId":"u1","prompt":"hi"}`, "text/event-stream")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream, got %q", ct)
	}
	got := testutil.EventNames(testutil.ParseSSE(t, rr.Body.String()))
	want := []string{"session", "token", "done"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
	if !strings.Contains(rr.Body.String(), `"token":"Hello"`) {
		t.Errorf("token payload missing from %q", rr.Body.String())
	}
}

func TestTurnHandler_SSEErrorAfterStart(t *testing.T) {
	runner := &fakeRunner{
		events: []models.Event{
			{Type: models.EventSession, Session: &models.SessionEvent{SessionID: "s1"}},
			{Type: models.EventError, Error: &models.ErrorEvent{Code: "persistence_failed", Message: "resend"}},
		},
		err: errors.New("persist turn: boom"),
	}
	s, _, _ := newTestServer(runner)
	rr := doturn(t, s.Router(), `{"userId":"u1","prompt":"hi"}`, "text/event-stream")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 once streaming started, got %d", rr.Code)
	}
	got := testutil.EventNames(testutil.ParseSSE(t, rr.Body.String()))
	if len(got) != 2 || got[1] != "error" {
		t.Errorf("events = %v, want session then error", got)
	}
}

func TestTurnHandler_VersionConflict(t *testing.T) {
	runner := &fakeRunner{err: models.ErrSessionVersionConflict}
	s, _, _ := newTestServer(runner)
	rr := doturn(t, s.Router(), `{"userId":"u1","prompt":"hi"}`, "")
	if rr.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rr.Code)
	}
}

func TestTurnHandler_RateLimited(t *testing.T) {
	runner := &fakeRunner{result: &models.TurnResult{}}
	s := NewServer(runner, &fakeCredits{}, &fakeSessions{}, WithRateLimit(1, 2))
	h := s.Router()
	for i := 0; i < 2; i++ {
		if rr := doturn(t, h, `{"userId":"u1","prompt":"hi"}`, ""); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
	if rr := doturn(t, h, `{"userId":"u1","prompt":"hi"}`, ""); rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", rr.Code)
	}
	if rr := doturn(t, h, `{"userId":"u2","prompt":"hi"}`, ""); rr.Code != http.StatusOK {
		t.Errorf("other users should not be limited, got %d", rr.Code)
	}
}

func TestCreditsHandler(t *testing.T) {
	s, cr, _ := newTestServer(&fakeRunner{})
	cr.snap = models.CreditsSnapshot{Limited: true, MaxCredits: 20, RemainingCredits: 17}

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/credits?userId=u1&plan=PRO", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if cr.lastPlan != models.PlanPro {
		t.Errorf("expected plan normalized to pro, got %q", cr.lastPlan)
	}
	result := testutil.DecodeAPIResponse(t, rr).Result.(map[string]any)
	if result["remaining_credits"] != float64(17) {
		t.Errorf("unexpected snapshot %#v", result)
	}

	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/credits", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without userId, got %d", rr.Code)
	}

	cr.err = errors.New("db down")
	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/credits?userId=u1", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
}

func TestSessionHandler(t *testing.T) {
	s, _, ss := newTestServer(&fakeRunner{})
	ss.session = &models.WorkflowSession{SessionID: "s1", UserID: "u1", ConversationID: "conv_1", State: models.StateTemplateDiscovery}
	ss.checkpoints = []models.WorkflowCheckpoint{{ID: 1, SessionID: "s1", State: models.StateTemplateDiscovery}}

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/conv_1?userId=u1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	result := testutil.DecodeAPIResponse(t, rr).Result.(map[string]any)
	if cps, ok := result["checkpoints"].([]any); !ok || len(cps) != 1 {
		t.Errorf("unexpected checkpoints %#v", result["checkpoints"])
	}

	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/conv_1?userId=u2", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another user, got %d", rr.Code)
	}
}

func TestRateLimiter_SweepsIdleBuckets(t *testing.T) {
	l := newRateLimiter(60, 1, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || l.Allow("a") {
		t.Fatalf("expected one request then a denial")
	}
	l.Allow("b")
	if l.size() != 2 {
		t.Fatalf("expected 2 buckets, got %d", l.size())
	}

	now = now.Add(2 * time.Minute)
	if !l.Allow("a") {
		t.Errorf("bucket should have refilled")
	}
	if l.size() != 1 {
		t.Errorf("idle bucket should be swept, have %d", l.size())
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	s := NewServer(&fakeRunner{}, &fakeCredits{}, &fakeSessions{}, WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
