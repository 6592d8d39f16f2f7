package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/velvetlabs/spindate/pkg/match"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	engine  *match.Engine
	bus     *match.Bus
	router  *chi.Mux
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		engine: cfg.Engine,
		bus:    cfg.Bus,
		router: chi.NewRouter(),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s, nil
}

// Router exposes the handler for in-process tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	limiter := NewRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter))
		r.Post("/spin", s.handleSpin)
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/dates/end", s.handleEndDate)
		r.Post("/matches/{matchID}/ack", s.handleAcknowledge)
		r.Post("/matches/{matchID}/vote", s.handleVote)
		r.Get("/users/{userID}/status", s.handleStatus)
		r.Get("/queue/stats", s.handleQueueStats)
		r.Get("/events", s.handleEvents)
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)
	s.router.Handle("/metrics", promhttp.Handler())
}

// Run serves HTTP and drives the scheduler until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.cfg.Scheduler != nil {
		g.Go(func() error {
			if err := s.cfg.Scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		serveErrCh := make(chan error, 1)
		go func() {
			if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
			}
		}()

		s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

		select {
		case <-ctx.Done():
			s.log.Info("server: stopping", "reason", ctx.Err())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("failed to shutdown server: %w", err)
			}
			s.log.Info("server: http server shutdown complete")
			return nil
		case err := <-serveErrCh:
			s.log.Error("server: http server error causing shutdown", "error", err)
			return err
		}
	})

	return g.Wait()
}

// ---- command handlers ----

type userRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

func (s *Server) handleSpin(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.engine.Spin(r.Context(), req.UserID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"state":          res.State,
		"queue_position": res.QueuePosition,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.Heartbeat(r.Context(), req.UserID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.Disconnect(r.Context(), req.UserID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleEndDate(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.EndDate(r.Context(), req.UserID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	matchID, ok := s.pathID(w, r, "matchID")
	if !ok {
		return
	}
	var req userRequest
	if !s.decode(w, r, &req) {
		return
	}
	expires, err := s.engine.Acknowledge(r.Context(), req.UserID, matchID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"vote_window_expires_at": expires.UTC().Format(time.RFC3339Nano),
	})
}

type voteRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Value  string    `json:"value"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	matchID, ok := s.pathID(w, r, "matchID")
	if !ok {
		return
	}
	var req voteRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.engine.Vote(r.Context(), req.UserID, matchID, match.VoteValue(req.Value))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if res.Waiting {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "waiting_for_partner"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "completed",
		"outcome": res.Outcome,
	})
}

// ---- query handlers ----

type matchView struct {
	ID                  uuid.UUID         `json:"id"`
	Status              match.MatchStatus `json:"status"`
	Outcome             *match.Outcome    `json:"outcome,omitempty"`
	VoteWindowExpiresAt *time.Time        `json:"vote_window_expires_at,omitempty"`
}

type statusView struct {
	UserID        uuid.UUID   `json:"user_id"`
	State         match.State `json:"state"`
	Fairness      int         `json:"fairness"`
	QueuePosition int         `json:"queue_position,omitempty"`
	PartnerID     *uuid.UUID  `json:"partner_id,omitempty"`
	Match         *matchView  `json:"match,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "userID")
	if !ok {
		return
	}
	snap, err := s.engine.GetMatchStatus(r.Context(), userID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	view := statusView{
		UserID:        snap.UserID,
		State:         snap.State,
		Fairness:      snap.Fairness,
		QueuePosition: snap.QueuePosition,
		PartnerID:     snap.PartnerID,
	}
	if snap.Match != nil {
		view.Match = &matchView{
			ID:                  snap.Match.ID,
			Status:              snap.Match.Status,
			Outcome:             snap.Match.Outcome,
			VoteWindowExpiresAt: snap.Match.VoteWindowExpiresAt,
		}
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	depth, oldestWait, err := s.engine.QueueStats(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"depth":               depth,
		"oldest_wait_seconds": oldestWait.Seconds(),
	})
}

// handleEvents streams domain events via Server-Sent Events. An optional
// user_id query parameter filters to events mentioning that user.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := uuid.Nil
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		userID = id
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the headers go out, so a client that has seen the
	// response start cannot miss a subsequent event.
	sub := s.bus.Subscribe(userID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Comment pings keep intermediaries from closing an idle stream.
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Error("failed to marshal event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

// ---- operational handlers ----

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.engine.Store().Ping(ctx); err != nil {
		s.log.Debug("readyz: database not ready", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("database not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

// ---- helpers ----

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

// writeEngineError maps engine sentinels to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, match.ErrUnknownUser):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, match.ErrInvalidMatch):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, match.ErrNotParticipant):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, match.ErrInvalidValue):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, match.ErrExpired):
		s.writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, match.ErrBusy):
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, match.ErrAlreadyQueued),
		errors.Is(err, match.ErrAlreadyMatched),
		errors.Is(err, match.ErrInCooldown),
		errors.Is(err, match.ErrUserOffline),
		errors.Is(err, match.ErrNotInVoteWindow),
		errors.Is(err, match.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("internal error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
