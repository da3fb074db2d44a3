package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/ratelimit"
	"podcast-pipeline/internal/scheduler"
	"podcast-pipeline/internal/stages"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/telemetry"
)

// EpisodeStore is the slice of the store the API reads and writes directly.
type EpisodeStore interface {
	GetEpisode(ctx context.Context, id string) (models.Episode, error)
	LatestFailureMessage(ctx context.Context, episodeID string) (string, error)
	RecordTransition(ctx context.Context, p store.TransitionParams) (models.StageLogEntry, error)
}

// Server wires HTTP handlers for the pipeline API.
type Server struct {
	cfg       config.Config
	store     EpisodeStore
	finder    *scheduler.Finder
	generator *scheduler.Generator
	sweeper   *scheduler.Sweeper
	tracker   *stages.Tracker
	limiter   *ratelimit.PollLimiter
	log       *zap.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st EpisodeStore, finder *scheduler.Finder, gen *scheduler.Generator, sweeper *scheduler.Sweeper, tracker *stages.Tracker, limiter *ratelimit.PollLimiter, log *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		finder:    finder,
		generator: gen,
		sweeper:   sweeper,
		tracker:   tracker,
		limiter:   limiter,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/episodes/{id}/status", s.handleEpisodeStatus)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSecret)
		r.Get("/cron/schedule", s.handleSchedule)
		r.Get("/cron/recover", s.handleRecover)
		r.Post("/episodes/{id}/transitions", s.handleTransition)
		r.Get("/episodes/{id}/timeline", s.handleTimeline)
		r.Get("/admin/stats", s.handleStats)
		r.Get("/admin/failures", s.handleFailures)
		r.Get("/admin/stuck", s.handleStuck)
	})

	return r
}

// requireSecret authenticates with the shared cron secret. An unset secret
// fails closed: every request is rejected.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CronSecret == "" {
			s.log.Warn("protected endpoint called with no cron secret configured", zap.String("path", r.URL.Path))
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "unauthorized"})
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronSecret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// scheduleResponse is the trigger endpoint envelope.
type scheduleResponse struct {
	Success   bool                         `json:"success"`
	Message   string                       `json:"message"`
	Results   []scheduler.SubmissionResult `json:"results"`
	Timestamp time.Time                    `json:"timestamp"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	due, err := s.finder.FindDue(r.Context())
	if err != nil {
		s.log.Error("schedule scan failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "schedule scan failed",
			"details": err.Error(),
		})
		return
	}

	results := s.generator.Run(r.Context(), due)
	triggered := 0
	for _, res := range results {
		if res.Success {
			triggered++
		}
	}
	writeJSON(w, http.StatusOK, scheduleResponse{
		Success:   true,
		Message:   "Triggered " + strconv.Itoa(triggered) + " of " + strconv.Itoa(len(results)) + " due podcasts",
		Results:   results,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	summary, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.log.Error("failure sweep failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "failure sweep failed",
			"details": err.Error(),
		})
		return
	}
	if summary.Processed == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"message":   "No failed episodes found",
			"processed": 0,
		})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// statusPayload is what pollers see.
type statusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleEpisodeStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.StatusPolls.Inc()

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			s.log.Warn("rate limiter error", zap.Error(err))
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	id := chi.URLParam(r, "id")
	ep, err := s.store.GetEpisode(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "episode not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("load episode", zap.String("episode_id", id), zap.Error(err))
		http.Error(w, "failed to load episode", http.StatusInternalServerError)
		return
	}

	payload := statusPayload{Status: ep.Status}
	if models.IsFailure(ep.Status) {
		if msg, err := s.store.LatestFailureMessage(r.Context(), id); err == nil {
			payload.Message = msg
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": payload})
}

// transitionRequest is posted by the external worker at each stage boundary.
type transitionRequest struct {
	Stage        string         `json:"stage"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message"`
	ErrorDetails map[string]any `json:"error_details"`
	Metadata     map[string]any `json:"metadata"`
	StartedAt    *time.Time     `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Stage == "" || req.Status == "" {
		http.Error(w, "stage and status are required", http.StatusBadRequest)
		return
	}

	entry, err := s.store.RecordTransition(r.Context(), store.TransitionParams{
		EpisodeID:    id,
		Stage:        req.Stage,
		Status:       req.Status,
		ErrorMessage: req.ErrorMessage,
		ErrorDetails: req.ErrorDetails,
		Metadata:     req.Metadata,
		StartedAt:    req.StartedAt,
		CompletedAt:  req.CompletedAt,
	})
	if err != nil {
		s.log.Error("record transition", zap.String("episode_id", id), zap.Error(err))
		http.Error(w, "failed to record transition", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := s.tracker.Timeline(r.Context(), id)
	if err != nil {
		s.log.Error("load timeline", zap.String("episode_id", id), zap.Error(err))
		http.Error(w, "failed to load timeline", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window := time.Duration(0)
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, "invalid window", http.StatusBadRequest)
			return
		}
		window = d
	}
	stats, err := s.tracker.Statistics(r.Context(), window)
	if err != nil {
		s.log.Error("compute statistics", zap.Error(err))
		http.Error(w, "failed to compute statistics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	failures, err := s.tracker.RecentFailures(r.Context(), limit)
	if err != nil {
		s.log.Error("load failures", zap.Error(err))
		http.Error(w, "failed to load failures", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failures})
}

func (s *Server) handleStuck(w http.ResponseWriter, r *http.Request) {
	episodes, err := s.tracker.Stuck(r.Context())
	if err != nil {
		s.log.Error("load stuck episodes", zap.Error(err))
		http.Error(w, "failed to load stuck episodes", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"episodes": episodes, "count": len(episodes)})
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		if idx := strings.IndexByte(v, ','); idx > 0 {
			return strings.TrimSpace(v[:idx])
		}
		return strings.TrimSpace(v)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
