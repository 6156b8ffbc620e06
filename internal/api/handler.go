// Package api exposes the triage workflow over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aixgo-dev/carepath/internal/workflow"
	"github.com/aixgo-dev/carepath/pkg/security"
	"github.com/aixgo-dev/carepath/pkg/session"
)

const maxBodyBytes = 64 * 1024

// Service is the workflow surface the API drives.
// *workflow.Orchestrator implements it.
type Service interface {
	Start(ctx context.Context, req workflow.StartRequest) (*workflow.Response, error)
	HandleTurn(ctx context.Context, req workflow.TurnRequest) (*workflow.Response, error)
	Snapshot(ctx context.Context, id string) (*session.State, error)
	Delete(ctx context.Context, id string) error
	ActiveSessions(ctx context.Context) (int, error)
}

// Handler serves the triage API.
type Handler struct {
	svc     Service
	auth    *security.APIKeyAuthenticator
	limiter *security.RateLimiter
}

// Option configures a Handler.
type Option func(*Handler)

// WithAuthenticator requires a valid API key on every request when the
// authenticator has keys registered.
func WithAuthenticator(a *security.APIKeyAuthenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithRateLimiter limits each client to the limiter's rate.
func WithRateLimiter(l *security.RateLimiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// NewHandler creates a Handler for svc.
func NewHandler(svc Service, opts ...Option) *Handler {
	h := &Handler{svc: svc}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type createRequest struct {
	Patient  *session.PatientInfo `json:"patient,omitempty"`
	Language string               `json:"language,omitempty"`
	UserID   string               `json:"user_id,omitempty"`
}

type turnRequest struct {
	SessionID string               `json:"session_id,omitempty"`
	Message   string               `json:"message"`
	Patient   *session.PatientInfo `json:"patient,omitempty"`
	Language  string               `json:"language,omitempty"`
	UserID    string               `json:"user_id,omitempty"`
}

type statsResponse struct {
	ActiveSessions int `json:"active_sessions"`
}

// CreateSession handles POST /api/triage/sessions. The body is optional.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.svc.Start(r.Context(), workflow.StartRequest{
		Patient:  req.Patient,
		Language: req.Language,
		UserID:   req.UserID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// PostTurn handles POST /api/triage/sessions/{id}/turns and
// POST /api/triage/turns.
func (h *Handler) PostTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if id := r.PathValue("id"); id != "" {
		req.SessionID = id
	}

	resp, err := h.svc.HandleTurn(r.Context(), workflow.TurnRequest{
		SessionID: req.SessionID,
		Message:   req.Message,
		Patient:   req.Patient,
		Language:  req.Language,
		UserID:    req.UserID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSession handles GET /api/triage/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// DeleteSession handles DELETE /api/triage/sessions/{id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /api/triage/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ActiveSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{ActiveSessions: n})
}

var errBadRequest = errors.New("bad request")

func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
