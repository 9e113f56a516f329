package httpapi

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/registrar"
)

type errorBody struct {
	Error         string `json:"error"`
	Description   string `json:"error_description,omitempty"`
	ExistingJobID string `json:"existing_job_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto status codes. Internal errors are
// logged and never echoed.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		dup *domain.DuplicateJobError
		rl  *domain.RateLimitError
	)
	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, errorBody{Error: "duplicate_job", Description: err.Error(), ExistingJobID: dup.ExistingJobID})
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Description: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Description: err.Error()})
	case errors.Is(err, domain.ErrInsufficientFunds):
		writeJSON(w, http.StatusPaymentRequired, errorBody{Error: "insufficient_funds", Description: err.Error()})
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict", Description: err.Error()})
	case errors.As(err, &rl):
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited"})
	case registrar.IsTerminal(err):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "registrar_rejected", Description: err.Error()})
	case registrar.IsRetryable(err):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "registrar_unavailable"})
	default:
		h.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
	}
}
