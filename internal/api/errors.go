package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/aixgo-dev/carepath/internal/stage"
	"github.com/aixgo-dev/carepath/internal/workflow"
	"github.com/aixgo-dev/carepath/pkg/security"
	"github.com/aixgo-dev/carepath/pkg/session"
)

// Error codes returned in error bodies.
const (
	codeBadRequest   = "bad_request"
	codeNotFound     = "not_found"
	codeUnauthorized = "unauthorized"
	codeRateLimited  = "rate_limited"
	codeEngine       = "engine_unavailable"
	codeTimeout      = "timeout"
	codeInternal     = "internal_error"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// writeError maps workflow errors onto HTTP statuses. Engine failures are
// reported without their cause; the cause is logged.
func writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		log.Printf("API error (%d %s): %v", status, body.Code, err)
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, workflow.ErrEmptyMessage), errors.Is(err, session.ErrInvalidID):
		return http.StatusBadRequest, errorResponse{Error: err.Error(), Code: codeBadRequest}
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, errorResponse{Error: "session not found", Code: codeNotFound}
	case errors.Is(err, security.ErrMissingToken), errors.Is(err, security.ErrInvalidToken):
		return http.StatusUnauthorized, errorResponse{Error: err.Error(), Code: codeUnauthorized}
	case errors.Is(err, stage.ErrEngineFailure):
		return http.StatusServiceUnavailable, errorResponse{
			Error:     "the assessment service is temporarily unavailable, please retry",
			Code:      codeEngine,
			Retryable: true,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorResponse{Error: "request timed out", Code: codeTimeout, Retryable: true}
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, errorResponse{Error: "request cancelled", Code: codeTimeout, Retryable: true}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal error", Code: codeInternal}
	}
}
