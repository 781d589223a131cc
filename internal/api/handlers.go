package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/monitor"
	"safe-code-runner/internal/pipeline"
	"safe-code-runner/internal/runtime"
	"safe-code-runner/internal/storage"
	"safe-code-runner/internal/verdict"
)

// ExecutionStore is the read side of the audit log. *storage.DB satisfies it.
type ExecutionStore interface {
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
}

type Handlers struct {
	svc            *pipeline.Service
	runtimes       *runtime.Registry
	executions     ExecutionStore
	metrics        *monitor.Metrics
	identityHeader string
}

func NewHandlers(svc *pipeline.Service, runtimes *runtime.Registry, executions ExecutionStore, metrics *monitor.Metrics, identityHeader string) *Handlers {
	return &Handlers{
		svc:            svc,
		runtimes:       runtimes,
		executions:     executions,
		metrics:        metrics,
		identityHeader: identityHeader,
	}
}

// identityFor scopes abuse state to the authenticated user when the
// gateway in front of us names one, and to the client address otherwise.
func (h *Handlers) identityFor(r *http.Request) string {
	if h.identityHeader != "" {
		if id := strings.TrimSpace(r.Header.Get(h.identityHeader)); id != "" {
			return "user:" + id
		}
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handlers) decodeCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return "", false
	}
	if _, err := h.runtimes.Get(req.Language); err != nil {
		writeError(w, err.Error(), "UNSUPPORTED_LANGUAGE", http.StatusBadRequest, r)
		return "", false
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, "No code provided", "INVALID_REQUEST", http.StatusBadRequest, r)
		return "", false
	}
	return req.Code, true
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	code, ok := h.decodeCode(w, r)
	if !ok {
		return
	}
	res := h.svc.Run(r.Context(), h.identityFor(r), code, clientIP(r))
	if h.writeRefusal(w, r, res) {
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(res))
}

func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	code, ok := h.decodeCode(w, r)
	if !ok {
		return
	}
	res := h.svc.Validate(r.Context(), h.identityFor(r), code, clientIP(r))
	if h.writeRefusal(w, r, res) {
		return
	}
	writeJSON(w, http.StatusOK, newValidationResponse(res))
}

func (h *Handlers) HandleValidateText(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	res := h.svc.ValidateText(r.Context(), h.identityFor(r), req.Text, clientIP(r))
	if h.writeRefusal(w, r, res) {
		return
	}
	writeJSON(w, http.StatusOK, newValidationResponse(res))
}

// writeRefusal answers the classes that map to a client error and reports
// whether it did.
func (h *Handlers) writeRefusal(w http.ResponseWriter, r *http.Request, res pipeline.Result) bool {
	switch res.Class {
	case verdict.ValidationRejected:
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:      res.Output,
			Code:       "SECURITY_VIOLATION",
			RequestID:  RequestIDFromContext(r.Context()),
			Violations: res.Violations,
		})
	case verdict.Blocked:
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds()))
		writeJSON(w, http.StatusForbidden, ErrorResponse{
			Error:             res.Output,
			Code:              "BLOCKED",
			RequestID:         RequestIDFromContext(r.Context()),
			RetryAfterSeconds: res.RetryAfterSeconds(),
		})
	case verdict.RateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds()))
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error:             res.Output,
			Code:              "RATE_LIMITED",
			RequestID:         RequestIDFromContext(r.Context()),
			RetryAfterSeconds: res.RetryAfterSeconds(),
		})
	default:
		return false
	}
	return true
}

func (h *Handlers) HandleAbuseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Gate().Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("reading abuse stats")
		writeError(w, "abuse store unavailable", "STORE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	h.metrics.TrackedIdentities.Set(float64(stats.TrackedIdentities))
	h.metrics.ActiveBlocks.Set(float64(len(stats.ActiveBlocks)))
	writeJSON(w, http.StatusOK, newAbuseStatsResponse(stats, storage.HashIdentity))
}

func (h *Handlers) HandleIdentity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "identity required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	b, err := h.svc.Gate().Tracker().Check(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Msg("reading identity standing")
		writeError(w, "abuse store unavailable", "STORE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	writeJSON(w, http.StatusOK, newIdentityResponse(id, b))
}

func (h *Handlers) HandleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Gate().Limiter().ForceSweep(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("forced sweep failed")
		writeError(w, "abuse store unavailable", "STORE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	h.metrics.Sweeps.Inc()
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.executions == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.executions.GetExecution(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("exec_id", id).Msg("audit query failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.executions == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		Classification: q.Get("classification"),
		IdentityHash:   q.Get("identity_hash"),
		Limit:          100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Offset = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be RFC 3339", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Since = &t
	}

	execs, err := h.executions.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("audit query failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}

	writeJSON(w, http.StatusOK, execs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
