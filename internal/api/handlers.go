package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/drapik/tg-stream-bot/internal/auth"
	"github.com/drapik/tg-stream-bot/internal/events"
	"github.com/drapik/tg-stream-bot/internal/registry"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		Version:       s.config.Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Totals: map[registry.Status]int{}}
	if s.deps.Pool != nil {
		resp.Pool = s.deps.Pool.Stats()
	}
	if s.deps.Engine != nil {
		resp.InFlight = s.deps.Engine.InFlight()
	}
	if s.deps.Events != nil {
		resp.EventSubscribers = s.deps.Events.Subscribers()
		resp.EventsDropped = s.deps.Events.Dropped()
		if swept := s.deps.Events.Recent(1, events.WorkspaceSwept); len(swept) == 1 {
			resp.LastSweep = &swept[0]
		}
	}
	if s.deps.History != nil {
		totals, err := s.deps.History.Counts(r.Context())
		if err != nil {
			s.logger.Error("failed to count acquisitions", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to read history")
			return
		}
		resp.Totals = totals
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAcquisitions(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history is not available")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	list, err := s.deps.History.RecentAcquisitions(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list acquisitions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if list == nil {
		list = []registry.Acquisition{}
	}
	respondJSON(w, http.StatusOK, AcquisitionsResponse{Acquisitions: list})
}

func (s *Server) handleAccessReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reload == nil {
		s.writeError(w, http.StatusServiceUnavailable, "access reload is not available")
		return
	}

	n, err := s.deps.Reload()
	if err != nil {
		s.logger.Error("access reload failed", "error", err)
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	who := ""
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		who = p.Name
	}
	s.logger.Info("access table reloaded", "entries", n, "token", who)
	s.deps.Publisher.Publish(events.AccessReloaded, map[string]any{"entries": n, "source": "api"})
	respondJSON(w, http.StatusOK, ReloadResponse{Entries: n})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
