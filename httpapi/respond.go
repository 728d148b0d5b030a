package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/crm"
	"github.com/lirancohen/loupe/gateway"
	"github.com/lirancohen/loupe/lifecycle"
)

// errBadRequest marks malformed input rejected before reaching the engine.
var errBadRequest = errors.New("bad request")

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(data)
}

func respondError(w http.ResponseWriter, err error) {
	code, kind := statusFor(err)
	respondJSON(w, code, ErrorResponse{
		Error:   kind,
		Code:    code,
		Message: err.Error(),
	})
}

// statusFor maps engine error kinds to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, errBadRequest), errors.Is(err, lifecycle.ErrInvalidEscalation):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, approval.ErrPolicyEvaluation), errors.Is(err, approval.ErrInvalidPayload):
		return http.StatusUnprocessableEntity, "invalid_payload"
	case errors.Is(err, approval.ErrNotFound), errors.Is(err, crm.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, approval.ErrInvalidTransition), errors.Is(err, gateway.ErrNotApproved):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, gateway.ErrExecutionInProgress):
		return http.StatusConflict, "execution_in_progress"
	case errors.Is(err, approval.ErrDuplicatePending), errors.Is(err, crm.ErrConflict):
		return http.StatusConflict, "duplicate_pending"
	case errors.Is(err, approval.ErrUnauthorizedReviewer):
		return http.StatusForbidden, "unauthorized_reviewer"
	case errors.Is(err, approval.ErrPersistence):
		return http.StatusServiceUnavailable, "persistence_failure"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
