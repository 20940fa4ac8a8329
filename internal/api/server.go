// Package api exposes the HTTP ingress for message submission and queue
// introspection. The engine behind it trusts that requests passing this layer
// are validated; all business-rule checks happen here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/jvalenc/webmta/internal/cache"
	"github.com/jvalenc/webmta/internal/dispatch"
	"github.com/jvalenc/webmta/internal/media"
	"github.com/jvalenc/webmta/internal/metrics"
)

// QueueController is the queue surface the API drives
type QueueController interface {
	Submit(req *dispatch.Request)
	Pause()
	Resume()
	Clear() int
	Stats() dispatch.QueueStats
}

// AuditReader lists recent attempt records
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]dispatch.Attempt, error)
}

// Config for the API server
type Config struct {
	ListenAddr     string
	Auth           AuthConfig
	RateLimit      RateLimitConfig
	CORS           CORSConfig
	MetricsEnabled bool
	DedupTTL       time.Duration
}

// Server is the HTTP ingress
type Server struct {
	config Config
	queue  QueueController
	audit  AuditReader
	dedup  cache.Cache
	logger *slog.Logger

	httpServer *http.Server
	rateLimit  *RateLimitMiddleware
}

// NewServer creates the API server. dedup and audit may be nil; the matching
// features degrade to no-ops.
func NewServer(config Config, queue QueueController, audit AuditReader, dedup cache.Cache, logger *slog.Logger) *Server {
	return &Server{
		config: config,
		queue:  queue,
		audit:  audit,
		dedup:  dedup,
		logger: logger.With("component", "api"),
	}
}

// Handler builds the route tree
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.config.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler()).Methods("GET")
	}

	s.rateLimit = NewRateLimitMiddleware(s.config.RateLimit)
	auth := NewAuthMiddleware(s.config.Auth, s.logger)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.rateLimit.Limit)
	api.Use(auth.RequireKey)
	api.HandleFunc("/messages", s.handleSubmit).Methods("POST")
	api.HandleFunc("/queue", s.handleQueueStats).Methods("GET")
	api.HandleFunc("/queue/pause", s.handleQueuePause).Methods("POST")
	api.HandleFunc("/queue/resume", s.handleQueueResume).Methods("POST")
	api.HandleFunc("/queue/clear", s.handleQueueClear).Methods("POST")
	api.HandleFunc("/attempts", s.handleAttempts).Methods("GET")

	// CORS wraps the router so preflight requests are answered before
	// method matching can 405 them.
	var h http.Handler = r
	h = NewCORSMiddleware(s.config.CORS).Handler(h)
	h = LoggingMiddleware(s.logger)(h)
	return h
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("api server listening", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimit != nil {
		s.rateLimit.Stop()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// recipientRe accepts E.164-style numbers with common punctuation
var recipientRe = regexp.MustCompile(`^\+?[0-9][0-9 ().-]{4,23}$`)

type submitRequest struct {
	Recipient     string       `json:"recipient"`
	Body          string       `json:"body"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	Attachments   []media.Item `json:"attachments,omitempty"`
}

type submitResponse struct {
	SubmissionID string   `json:"submission_id"`
	Status       string   `json:"status"`
	Warnings     []string `json:"warnings,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<20)).Decode(&req); err != nil {
		s.reject(w, http.StatusBadRequest, "MALFORMED_REQUEST", "request body must be valid JSON")
		return
	}

	req.Recipient = strings.TrimSpace(req.Recipient)
	if !recipientRe.MatchString(req.Recipient) {
		s.reject(w, http.StatusBadRequest, "INVALID_RECIPIENT", "recipient must be a phone-like identifier")
		return
	}
	if req.Body == "" && len(req.Attachments) == 0 {
		s.reject(w, http.StatusBadRequest, "EMPTY_MESSAGE", "a body or at least one attachment is required")
		return
	}

	var warnings []string
	if len(req.Attachments) > 0 {
		result, err := media.Validate(req.Attachments)
		if err != nil {
			var verr *media.ValidationError
			if errors.As(err, &verr) {
				s.reject(w, http.StatusBadRequest, verr.Code, verr.Message)
				return
			}
			s.reject(w, http.StatusBadRequest, "INVALID_MEDIA", err.Error())
			return
		}
		warnings = result.Warnings
	}

	if !s.admitDedup(r.Context(), req.Recipient, req.Body) {
		s.reject(w, http.StatusConflict, "DUPLICATE_SUBMISSION", "an identical message to this recipient was submitted recently")
		return
	}

	id := uuid.New().String()
	s.queue.Submit(&dispatch.Request{
		ID:            id,
		Recipient:     req.Recipient,
		Body:          req.Body,
		CorrelationID: req.CorrelationID,
		Attachments:   req.Attachments,
		SubmittedAt:   time.Now().UTC(),
	})
	metrics.Get().MessagesSubmitted.Inc()

	writeJSON(w, http.StatusAccepted, submitResponse{
		SubmissionID: id,
		Status:       "queued",
		Warnings:     warnings,
	})
}

// admitDedup returns false when an identical (recipient, digest) pair was
// seen within the TTL. Cache trouble never blocks a submission.
func (s *Server) admitDedup(ctx context.Context, recipient, body string) bool {
	if s.dedup == nil || s.config.DedupTTL <= 0 {
		return true
	}
	key := "dedup:" + recipient + ":" + dispatch.Digest(body)
	set, err := s.dedup.SetNX(ctx, key, "1", s.config.DedupTTL)
	if err != nil {
		s.logger.Warn("dedup cache unavailable, admitting submission", "error", err)
		return true
	}
	return set
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	s.queue.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	s.queue.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	cleared := s.queue.Clear()
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

type attemptJSON struct {
	SubmissionID  string   `json:"submission_id"`
	Recipient     string   `json:"recipient"`
	TextDigest    string   `json:"text_digest"`
	Status        string   `json:"status"`
	Attempt       int      `json:"attempt"`
	ErrorKind     string   `json:"error_kind,omitempty"`
	ErrorText     string   `json:"error_text,omitempty"`
	ArtifactURLs  []string `json:"artifact_urls,omitempty"`
	DurationMS    int64    `json:"duration_ms"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	At            string   `json:"at"`
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, []attemptJSON{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	records, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing attempts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "AUDIT_UNAVAILABLE", "attempt records unavailable")
		return
	}
	out := make([]attemptJSON, 0, len(records))
	for _, a := range records {
		out = append(out, attemptJSON{
			SubmissionID:  a.SubmissionID,
			Recipient:     a.Recipient,
			TextDigest:    a.TextDigest,
			Status:        string(a.Status),
			Attempt:       a.Attempt,
			ErrorKind:     string(a.ErrKind),
			ErrorText:     a.ErrText,
			ArtifactURLs:  a.ArtifactURLs,
			DurationMS:    a.Duration.Milliseconds(),
			CorrelationID: a.CorrelationID,
			At:            a.At.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.queue.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"queue":  stats,
	})
}

func (s *Server) reject(w http.ResponseWriter, status int, code, message string) {
	metrics.Get().MessagesRejected.WithLabelValues(code).Inc()
	writeError(w, status, code, message)
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
