package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/BTreeMap/CampaignPipe/internal/registry"
	"github.com/go-chi/chi/v5"
)

// maxTurnBodyBytes bounds the turn request body.
const maxTurnBodyBytes = 64 << 10

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req models.TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTurnBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.turnHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if !s.limiter.Allow(req.UserID) {
		slog.Warn("Server.turnHandler: rate limited", "userID", req.UserID)
		writeJSONResponse(w, http.StatusTooManyRequests, models.RateLimited("Too many requests, please slow down", nil))
		return
	}

	if wantsEventStream(r) {
		s.streamTurn(w, r, req)
		return
	}

	done, err := s.turns.Run(r.Context(), req, nil)
	if err != nil {
		writeTurnError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(done))
}

// streamTurn relays turn events as SSE. Headers are deferred until the first
// non-error event so failures before any progress keep their HTTP status.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, req models.TurnRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Streaming not supported"))
		return
	}

	started := false
	emit := func(ev models.Event) error {
		if !started {
			if ev.Type == models.EventError {
				return nil
			}
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := writeSSE(w, string(ev.Type), data); err != nil {
			return err
		}
		flusher.Flush()
		return r.Context().Err()
	}

	_, err := s.turns.Run(r.Context(), req, emit)
	if err != nil && !started {
		writeTurnError(w, err)
	}
}

func writeTurnError(w http.ResponseWriter, err error) {
	var insufficient *models.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		writeJSONResponse(w, http.StatusTooManyRequests, models.RateLimited(insufficient.Error(), insufficient.Snapshot))
	case errors.Is(err, models.ErrEmptyUserID), errors.Is(err, models.ErrConversationIDTooLong):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.Is(err, models.ErrSessionVersionConflict):
		writeJSONResponse(w, http.StatusConflict, models.Error("Conversation changed concurrently, please resend"))
	default:
		slog.Error("Server.turnHandler: turn failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process turn"))
	}
}

func (s *Server) creditsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyUserID.Error()))
		return
	}
	plan := registry.NormalizePlan(r.URL.Query().Get("plan"))
	snap, err := s.credits.Snapshot(r.Context(), userID, plan)
	if err != nil {
		slog.Error("Server.creditsHandler: snapshot failed", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load credits"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(snap))
}

// sessionView is the inspection payload for one conversation.
type sessionView struct {
	Session     *models.WorkflowSession     `json:"session"`
	Checkpoints []models.WorkflowCheckpoint `json:"checkpoints"`
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	conversationID := chi.URLParam(r, "conversationId")
	if userID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyUserID.Error()))
		return
	}

	sess, err := s.sessions.GetSession(r.Context(), userID, conversationID)
	if err != nil {
		slog.Error("Server.sessionHandler: load failed", "userID", userID, "conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error(models.ErrSessionNotFound.Error()))
		return
	}
	cps, err := s.sessions.ListCheckpoints(r.Context(), sess.SessionID)
	if err != nil {
		slog.Error("Server.sessionHandler: checkpoints failed", "sessionID", sess.SessionID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load checkpoints"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessionView{Session: sess, Checkpoints: cps}))
}
