package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aegis-decision-engine/autorule/internal/models"
	"github.com/aegis-decision-engine/autorule/internal/validator"
)

const maxRuleDocument = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	res := s.health.Check(r.Context())
	status := http.StatusOK
	if !res.Ready() {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleRefreshOracles(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.UpdateOracles(r.Context())
	failed := make(map[string]string, len(res.Failed))
	for t, ferr := range res.Failed {
		failed[string(t)] = ferr.Error()
	}
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":  err.Error(),
			"failed": failed,
		})
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "refreshed",
		"refreshed": res.Refreshed,
		"failed":    failed,
	})
}

func (s *Server) handleEvaluateAll(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.RunTick(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRuleDocument))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "rule document too large", err)
		return
	}
	rule, err := s.rules.CreateFromJSON(r.Context(), body)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.Get(r.Context(), chi.URLParam(r, "ruleID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleTransition(fn func(context.Context, string) (*models.Rule, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, err := fn(r.Context(), chi.URLParam(r, "ruleID"))
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, rule)
	}
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 1000", nil)
			return
		}
		limit = n
	}

	records, err := s.history.ListByRule(r.Context(), chi.URLParam(r, "ruleID"), limit)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if records == nil {
		records = []*models.ExecutionRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleExecuteRule(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.RunSingle(r.Context(), chi.URLParam(r, "ruleID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleEvaluateOwner(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.ownerParam(w, r)
	if !ok {
		return
	}
	previews, err := s.engine.EvaluateOwner(r.Context(), ownerID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, previews)
}

func (s *Server) handleRunOwner(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.ownerParam(w, r)
	if !ok {
		return
	}
	summary, err := s.engine.RunForOwner(r.Context(), ownerID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) ownerParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID := chi.URLParam(r, "ownerID")
	if err := validator.ValidateOwnerID(ownerID); err != nil {
		respondError(w, http.StatusBadRequest, "invalid owner id", err)
		return "", false
	}
	return ownerID, true
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case models.IsNotFound(err):
		return http.StatusNotFound
	case models.IsValidationError(err),
		errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrUnknownToken):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrRuleNotDeployed),
		errors.Is(err, models.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, models.ErrOracleOutage),
		errors.Is(err, models.ErrRuleLoadFailed),
		errors.Is(err, models.ErrConnection):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		if status == http.StatusInternalServerError {
			respondError(w, status, "internal error", nil)
			return
		}
	}
	respondError(w, status, http.StatusText(status), err)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	if message == "" {
		message = fmt.Sprintf("status %d", status)
	}
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}
