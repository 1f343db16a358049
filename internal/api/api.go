// Package api exposes the campaign assistant over HTTP.
//
// The turn endpoint streams orchestrator events as server-sent events or
// returns the final turn result as JSON. Credits and session inspection
// endpoints are read-only.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

const shutdownTimeout = 10 * time.Second

// TurnRunner processes assistant turns.
type TurnRunner interface {
	Run(ctx context.Context, req models.TurnRequest, emit func(models.Event) error) (*models.TurnResult, error)
}

// CreditsReader returns a user's current credit snapshot.
type CreditsReader interface {
	Snapshot(ctx context.Context, userID string, plan models.Plan) (models.CreditsSnapshot, error)
}

// SessionReader loads sessions and their checkpoints for inspection.
type SessionReader interface {
	GetSession(ctx context.Context, userID, conversationID string) (*models.WorkflowSession, error)
	ListCheckpoints(ctx context.Context, sessionID string) ([]models.WorkflowCheckpoint, error)
}

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	turns    TurnRunner
	credits  CreditsReader
	sessions SessionReader
	limiter  *rateLimiter
	addr     string
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr           string
	TurnsPerMinute int
	TurnBurst      int
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithRateLimit sets the per-user turn rate.
func WithRateLimit(perMinute, burst int) Option {
	return func(o *Opts) {
		o.TurnsPerMinute = perMinute
		o.TurnBurst = burst
	}
}

// NewServer creates a Server.
func NewServer(turns TurnRunner, credits CreditsReader, sessions SessionReader, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		turns:    turns,
		credits:  credits,
		sessions: sessions,
		limiter:  newRateLimiter(cfg.TurnsPerMinute, cfg.TurnBurst, defaultLimiterTTL),
		addr:     cfg.Addr,
	}
}

// Router returns the HTTP handler with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/assistant/turn", s.turnHandler)
		r.Get("/credits", s.creditsHandler)
		r.Get("/sessions/{conversationId}", s.sessionHandler)
	})
	return r
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s.Router(),
		ReadTimeout: 30 * time.Second,
		// Streaming responses have no write deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// requestLogger logs each request at debug level with its status and latency.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request handled", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start), "requestID", middleware.GetReqID(r.Context()))
	})
}
