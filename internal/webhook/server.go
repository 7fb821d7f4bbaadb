// Package webhook accepts HMAC-signed link submissions over HTTP so other
// systems can queue downloads on behalf of whitelisted chat users.
//
// Request flow:
//
//  1. POST arrives at the configured path
//  2. Body size checked (413 if too large)
//  3. HMAC-SHA256 of the raw body compared in constant time (403 on mismatch)
//  4. JSON {user_id, chat_id, url} decoded and validated (400)
//  5. Access and link checked, acquisition queued
//  6. 202 Accepted with {request_id}
//
// The video is delivered to chat_id by the chat transport, exactly as if
// the user had sent the link.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drapik/tg-stream-bot/internal/bot"
	"github.com/drapik/tg-stream-bot/internal/pool"
)

// Server represents the webhook HTTP server.
type Server struct {
	config    Config
	submitter Submitter
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new webhook server instance.
func New(config Config, submitter Submitter, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		submitter: submitter,
		logger:    logger.With("component", "webhook"),
	}
}

// Handler exposes the routes for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "path", s.config.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post(s.config.Path, s.handleSubmit)

	return r
}

// loggingMiddleware logs HTTP requests (excludes payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(s.config.SignatureHeader)
	if signature == "" {
		s.logger.Warn("webhook signature missing", "header", s.config.SignatureHeader)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := verifySignature(body, signature, s.config.Secret); err != nil {
		s.logger.Warn("webhook signature verification failed", "error", err)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req SubmitRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID <= 0 || req.ChatID == 0 || req.URL == "" {
		s.respondError(w, http.StatusBadRequest, "user_id, chat_id and url are required")
		return
	}

	id, err := s.submitter.Submit(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, bot.ErrNoAccess):
		s.logger.Warn("webhook submission for user without access", "user_id", req.UserID)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	case errors.Is(err, bot.ErrNoLink):
		s.respondError(w, http.StatusUnprocessableEntity, "unsupported url")
		return
	case errors.Is(err, pool.ErrQueueFull), errors.Is(err, pool.ErrClosed):
		w.Header().Set("Retry-After", "60")
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		s.logger.Error("failed to queue webhook submission", "user_id", req.UserID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to queue submission")
		return
	}

	s.logger.Info("webhook submission queued", "user_id", req.UserID, "chat_id", req.ChatID, "acquisition_id", id)
	s.respondJSON(w, http.StatusAccepted, SubmitResponse{RequestID: id})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
