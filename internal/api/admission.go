package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"siterelay/internal/auth"
	"siterelay/internal/events"
	"siterelay/internal/metrics"
	"siterelay/internal/queue"
)

// maxPayloadBytes caps the opaque payload a tenant may attach. Payloads are
// stored verbatim and redelivered on every retry.
const maxPayloadBytes = 64 << 10

// handleSubmitCommand handles POST /api/v1/commands.
//
// The checks run in a fixed order: request shape, token signature, token
// freshness, plan entitlement, cooldown. The cooldown stamp is taken last so
// a rejected request never burns the tenant's window.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req SubmitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.IncAdmission(metrics.AdmissionError)
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.TenantID == "" {
		metrics.IncAdmission(metrics.AdmissionError)
		s.writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if !queue.ValidCommandType(req.CommandType) {
		metrics.IncAdmission(metrics.AdmissionError)
		s.writeError(w, http.StatusBadRequest, "unknown command type")
		return
	}
	ct := queue.CommandType(req.CommandType)

	if len(req.Payload) > maxPayloadBytes {
		metrics.IncAdmission(metrics.AdmissionError)
		s.writeError(w, http.StatusBadRequest, "payload too large")
		return
	}
	if len(req.Payload) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(req.Payload, &obj); err != nil {
			metrics.IncAdmission(metrics.AdmissionError)
			s.writeError(w, http.StatusBadRequest, "payload must be a JSON object")
			return
		}
	}

	logger := s.logger.With("tenant_id", req.TenantID, "command_type", ct)

	// Unknown and disabled tenants get the same answer as a bad signature
	// so probing cannot map the tenant directory.
	tenant, err := s.store.GetTenant(r.Context(), req.TenantID)
	if err != nil {
		if errors.Is(err, queue.ErrTenantNotFound) {
			metrics.IncAdmission(metrics.AdmissionInvalidSignature)
			s.writeAdmissionError(w, http.StatusUnauthorized, CodeInvalidSignature, "invalid token")
			return
		}
		logger.Error("tenant lookup failed", "error", err)
		metrics.IncAdmission(metrics.AdmissionError)
		s.writeError(w, http.StatusInternalServerError, "tenant lookup failed")
		return
	}
	if !tenant.Enabled {
		metrics.IncAdmission(metrics.AdmissionInvalidSignature)
		s.writeAdmissionError(w, http.StatusUnauthorized, CodeInvalidSignature, "invalid token")
		return
	}

	if err := auth.VerifyAdmission(req.TenantID, tenant.Secret, req.Token, time.Now(), s.config.ReplayWindow); err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			metrics.IncAdmission(metrics.AdmissionExpiredToken)
			s.writeAdmissionError(w, http.StatusUnauthorized, CodeExpiredToken, "token expired")
			return
		}
		metrics.IncAdmission(metrics.AdmissionInvalidSignature)
		s.writeAdmissionError(w, http.StatusUnauthorized, CodeInvalidSignature, "invalid token")
		return
	}

	if !s.policy.Allowed(tenant.Plan, ct) {
		metrics.IncAdmission(metrics.AdmissionPlanNotAllowed)
		s.writeAdmissionError(w, http.StatusForbidden, CodePlanNotAllowed,
			fmt.Sprintf("plan %q does not include %s", tenant.Plan, ct))
		return
	}

	ok, retryAfter, err := s.cooldowns.Acquire(r.Context(), req.TenantID, ct, s.policy.Cooldown(ct))
	if err != nil {
		logger.Error("cooldown check failed", "error", err)
		metrics.IncAdmission(metrics.AdmissionError)
		s.writeError(w, http.StatusInternalServerError, "cooldown check failed")
		return
	}
	if !ok {
		metrics.IncAdmission(metrics.AdmissionCooldownActive)
		s.writeCooldownActive(w, ct, retryAfter)
		return
	}

	// If this fails the cooldown stamp stays taken. Conservative on
	// purpose: a flapping store must not turn into a dispatch storm.
	id, err := s.store.Enqueue(r.Context(), queue.EnqueueRequest{
		TenantID:    req.TenantID,
		CommandType: ct,
		Payload:     req.Payload,
		Priority:    s.policy.Priority(ct),
		MaxRetries:  s.config.MaxRetries,
	})
	if err != nil {
		logger.Error("enqueue failed", "error", err)
		metrics.IncAdmission(metrics.AdmissionError)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue command")
		return
	}

	metrics.IncAdmission(metrics.AdmissionAdmitted)
	s.events.Publish(events.CommandAdmitted, map[string]any{
		"command_id":   id,
		"tenant_id":    req.TenantID,
		"command_type": ct,
		"priority":     s.policy.Priority(ct),
	})
	logger.Info("command admitted", "command_id", id)

	respondJSON(w, http.StatusAccepted, SubmitCommandResponse{
		ID:     id,
		Status: string(queue.StatusPending),
	})
}

// writeAdmissionError writes a coded admission rejection.
func (s *Server) writeAdmissionError(w http.ResponseWriter, statusCode int, code, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message, Code: code})
}

// writeCooldownActive writes the 429 rejection shared by admission and
// operator retry. retry_after is rounded up to whole seconds, minimum 1.
func (s *Server) writeCooldownActive(w http.ResponseWriter, ct queue.CommandType, retryAfter time.Duration) {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	respondJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error:             fmt.Sprintf("%s is on cooldown", ct),
		Code:              CodeCooldownActive,
		RetryAfterSeconds: secs,
	})
}
