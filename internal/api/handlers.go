package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"coderunner/internal/coordinator"
	"coderunner/internal/monitor"
	"coderunner/internal/policy"
	"coderunner/internal/runtime"
	"coderunner/internal/sandbox"
	"coderunner/internal/storage"
)

// Service is the execution surface the handlers drive.
type Service interface {
	SubmitSync(ctx context.Context, req coordinator.Request) (*sandbox.Result, error)
	SubmitAsync(ctx context.Context, req coordinator.Request) (coordinator.Handle, error)
	Get(ctx context.Context, id string) (*storage.Execution, error)
	List(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
	Languages() []runtime.Profile
}

type Handlers struct {
	svc     Service
	metrics *monitor.Metrics
}

func NewHandlers(svc Service, metrics *monitor.Metrics) *Handlers {
	return &Handlers{svc: svc, metrics: metrics}
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request) (coordinator.Request, bool) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large", "BODY_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return coordinator.Request{}, false
		}
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return coordinator.Request{}, false
	}
	timeout, err := req.timeout()
	if err != nil {
		h.writeServiceError(w, r, err, "")
		return coordinator.Request{}, false
	}
	return coordinator.Request{
		Language:  req.Language,
		Code:      req.Code,
		Timeout:   timeout,
		CallerID:  CallerIDFromContext(r.Context()),
		ProjectID: req.ProjectID,
	}, true
}

// HandleExecute runs code and blocks until it reaches a terminal status.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	result, err := h.svc.SubmitSync(r.Context(), req)
	if err != nil {
		execID := ""
		if result != nil {
			execID = result.ExecutionID
		}
		h.writeServiceError(w, r, err, execID)
		return
	}

	writeJSON(w, http.StatusOK, newExecutionResponse(result))
}

// HandleSubmit queues code and returns its id for polling.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	handle, err := h.svc.SubmitAsync(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err, "")
		return
	}

	w.Header().Set("Location", "/executions/"+handle.ID)
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: handle.ID, Status: handle.Status})
}

// HandleGetExecution returns one record. Records owned by other callers are
// reported as missing.
func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	exec, err := h.svc.Get(r.Context(), id)
	if err == nil && exec.CallerID != CallerIDFromContext(r.Context()) {
		err = storage.ErrNotFound
	}
	if err != nil {
		h.writeServiceError(w, r, err, id)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		CallerID: CallerIDFromContext(r.Context()),
		Language: q.Get("language"),
		Status:   q.Get("status"),
	}

	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, name+" must be an integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		*dst = n
	}

	execs, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err, "")
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}

	writeJSON(w, http.StatusOK, ListResponse{Executions: execs, Count: len(execs)})
}

func (h *Handlers) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	profiles := h.svc.Languages()
	out := make([]LanguageInfo, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, newLanguageInfo(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// errorStatus maps a service error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, sandbox.ErrUnsupportedLanguage):
		return http.StatusBadRequest, "UNSUPPORTED_LANGUAGE"
	case errors.Is(err, sandbox.ErrInvalidRequest):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, policy.ErrUnauthorized):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, policy.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "QUOTA_EXCEEDED"
	case errors.Is(err, policy.ErrPolicyUnavailable):
		return http.StatusServiceUnavailable, "POLICY_UNAVAILABLE"
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, sandbox.ErrPersistence):
		return http.StatusInternalServerError, "PERSISTENCE_FAILED"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, execID string) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("exec_id", execID).
			Msg("request failed")
		h.metrics.RecordError(code)
		if code == "INTERNAL" {
			msg = "internal server error"
		}
	}

	writeJSON(w, status, ErrorResponse{
		Error:       msg,
		Code:        code,
		RequestID:   RequestIDFromContext(r.Context()),
		ExecutionID: execID,
	})
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
