package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"siterelay/internal/events"
	"siterelay/internal/metrics"
	"siterelay/internal/queue"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.store.PendingCount(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	})
}

// handleListCommands handles GET /api/v1/commands.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := queue.ListFilter{TenantID: q.Get("tenant_id")}

	if v := q.Get("status"); v != "" {
		if !queue.ValidStatus(v) {
			s.writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
		f.Status = queue.Status(v)
	}
	if v := q.Get("type"); v != "" {
		if !queue.ValidCommandType(v) {
			s.writeError(w, http.StatusBadRequest, "unknown command type")
			return
		}
		f.CommandType = queue.CommandType(v)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		f.Offset = n
	}

	cmds, err := s.store.List(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list commands", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}

	resp := CommandListResponse{Commands: make([]CommandView, 0, len(cmds))}
	for _, c := range cmds {
		resp.Commands = append(resp.Commands, commandView(c))
	}
	resp.Count = len(resp.Commands)
	respondJSON(w, http.StatusOK, resp)
}

// handleGetCommand handles GET /api/v1/commands/{commandID}.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "commandID")

	cmd, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "command not found")
			return
		}
		s.logger.Error("failed to retrieve command", "command_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve command")
		return
	}

	respondJSON(w, http.StatusOK, commandView(cmd))
}

// handleRetryCommand handles POST /api/v1/commands/{commandID}/retry.
// Only failed commands are eligible, and a manual retry passes through the
// same cooldown gate as a fresh admission. The retry budget is not restored:
// an exhausted command gets one attempt per operator retry.
func (s *Server) handleRetryCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "commandID")

	cmd, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "command not found")
			return
		}
		s.logger.Error("failed to retrieve command", "command_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve command")
		return
	}
	if cmd.Status != queue.StatusFailed {
		s.writeError(w, http.StatusConflict, "only failed commands can be retried")
		return
	}

	ok, retryAfter, err := s.cooldowns.Acquire(r.Context(), cmd.TenantID, cmd.CommandType, s.policy.Cooldown(cmd.CommandType))
	if err != nil {
		s.logger.Error("cooldown check failed", "command_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "cooldown check failed")
		return
	}
	if !ok {
		s.writeCooldownActive(w, cmd.CommandType, retryAfter)
		return
	}

	if err := s.store.Retry(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, queue.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "command not found")
		case errors.Is(err, queue.ErrConflict):
			s.writeError(w, http.StatusConflict, "only failed commands can be retried")
		default:
			s.logger.Error("failed to retry command", "command_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to retry command")
		}
		return
	}

	s.events.Publish(events.CommandRetrying, map[string]any{
		"command_id": id,
		"manual":     true,
	})
	s.logger.Info("command retried via API", "command_id", id)

	respondJSON(w, http.StatusOK, TransitionResponse{ID: id, Status: string(queue.StatusPending)})
}

// handleCancelCommand handles POST /api/v1/commands/{commandID}/cancel.
// Only pending commands can be cancelled; in-flight work is never yanked.
func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "commandID")

	if err := s.store.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, queue.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "command not found")
		case errors.Is(err, queue.ErrConflict):
			s.writeError(w, http.StatusConflict, "only pending commands can be cancelled")
		default:
			s.logger.Error("failed to cancel command", "command_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to cancel command")
		}
		return
	}

	s.events.Publish(events.CommandCancelled, map[string]any{
		"command_id": id,
	})
	s.logger.Info("command cancelled via API", "command_id", id)

	respondJSON(w, http.StatusOK, TransitionResponse{ID: id, Status: string(queue.StatusCancelled)})
}

// handleRetryFailed handles POST /api/v1/commands/retry-failed. An empty
// tenant_id retries failed commands across all tenants. Every command is
// handled independently: ones denied by their cooldown window or raced by a
// concurrent operator are counted as skipped, never as errors.
func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	var req RetryFailedRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	cmds, err := s.store.FailedCommands(r.Context(), req.TenantID)
	if err != nil {
		s.logger.Error("failed to list failed commands", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list failed commands")
		return
	}

	retried, skipped := 0, 0
	for _, cmd := range cmds {
		ok, _, err := s.cooldowns.Acquire(r.Context(), cmd.TenantID, cmd.CommandType, s.policy.Cooldown(cmd.CommandType))
		if err != nil {
			s.logger.Error("cooldown check failed", "command_id", cmd.ID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "cooldown check failed")
			return
		}
		if !ok {
			skipped++
			continue
		}
		if err := s.store.Retry(r.Context(), cmd.ID); err != nil {
			if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
				skipped++
				continue
			}
			s.logger.Error("failed to retry command", "command_id", cmd.ID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to retry command")
			return
		}
		s.events.Publish(events.CommandRetrying, map[string]any{
			"command_id": cmd.ID,
			"manual":     true,
		})
		retried++
	}

	s.logger.Info("failed commands retried via API",
		"tenant_id", req.TenantID, "retried", retried, "skipped", skipped)
	respondJSON(w, http.StatusOK, RetryFailedResponse{Retried: retried, Skipped: skipped})
}

// handleStats handles GET /api/v1/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to compute stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleCleanup handles POST /api/v1/admin/cleanup. Deletes terminal
// commands older than the given number of days.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Days <= 0 {
		s.writeError(w, http.StatusBadRequest, "days must be a positive integer")
		return
	}

	cutoff := time.Now().Add(-time.Duration(req.Days) * 24 * time.Hour)
	deleted, err := s.store.Cleanup(r.Context(), cutoff)
	if err != nil {
		s.logger.Error("cleanup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}

	if deleted > 0 {
		metrics.AddRetentionDeleted(deleted)
		s.events.Publish(events.RetentionSwept, map[string]any{
			"deleted": deleted,
			"cutoff":  cutoff.UTC(),
		})
	}
	s.logger.Info("cleanup via API", "days", req.Days, "deleted", deleted)

	respondJSON(w, http.StatusOK, CleanupResponse{Deleted: deleted})
}

// handleListTenants handles GET /api/v1/tenants.
func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.store.ListTenants(r.Context())
	if err != nil {
		s.logger.Error("failed to list tenants", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tenants")
		return
	}

	resp := TenantListResponse{Tenants: make([]TenantView, 0, len(tenants))}
	for _, t := range tenants {
		resp.Tenants = append(resp.Tenants, TenantView{
			ID:        t.ID,
			Plan:      t.Plan,
			SiteURL:   t.SiteURL,
			Enabled:   t.Enabled,
			CreatedAt: t.CreatedAt,
		})
	}
	resp.Count = len(resp.Tenants)
	respondJSON(w, http.StatusOK, resp)
}

// handleOpenAPI handles GET /api/v1/openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
