package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/carepath/internal/stage"
	"github.com/aixgo-dev/carepath/internal/workflow"
	"github.com/aixgo-dev/carepath/pkg/security"
	"github.com/aixgo-dev/carepath/pkg/session"
)

const testID = "3f2b8c1e-4a5d-4e6f-8a9b-0c1d2e3f4a5b"

type fakeService struct {
	mu       sync.Mutex
	turns    []workflow.TurnRequest
	starts   []workflow.StartRequest
	turnErr  error
	sessions map[string]*session.State
	active   int
}

func newFakeService() *fakeService {
	return &fakeService{sessions: map[string]*session.State{
		testID: {ID: testID, Stage: session.StageTriage},
	}}
}

func (f *fakeService) Start(_ context.Context, req workflow.StartRequest) (*workflow.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	return &workflow.Response{SessionID: testID, Stage: session.StageTriage, Message: "hello"}, nil
}

func (f *fakeService) HandleTurn(_ context.Context, req workflow.TurnRequest) (*workflow.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, req)
	if f.turnErr != nil {
		return nil, f.turnErr
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, workflow.ErrEmptyMessage
	}
	id := req.SessionID
	if id == "" {
		id = testID
	}
	return &workflow.Response{
		SessionID:    id,
		Stage:        session.StageTriage,
		Message:      "How long have you had the headache?",
		UrgencyScore: 2,
	}, nil
}

func (f *fakeService) Snapshot(_ context.Context, id string) (*session.State, error) {
	if err := session.ValidateID(id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return st, nil
}

func (f *fakeService) Delete(_ context.Context, id string) error {
	if err := session.ValidateID(id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return session.ErrSessionNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeService) ActiveSessions(context.Context) (int, error) {
	return f.active, nil
}

func serve(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateSession(t *testing.T) {
	svc := newFakeService()
	router := NewRouter(NewHandler(svc))

	rec := serve(t, router, http.MethodPost, "/api/triage/sessions",
		`{"patient":{"name":"Ada","age":34,"medical_history":[],"medications":[],"allergies":["penicillin"]},"language":"en"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decode[workflow.Response](t, rec)
	assert.Equal(t, testID, resp.SessionID)
	require.Len(t, svc.starts, 1)
	require.NotNil(t, svc.starts[0].Patient)
	assert.Equal(t, "Ada", svc.starts[0].Patient.Name)
	assert.Equal(t, []string{"penicillin"}, svc.starts[0].Patient.Allergies)
	assert.Equal(t, "en", svc.starts[0].Language)

	// Body is optional.
	rec = serve(t, router, http.MethodPost, "/api/triage/sessions", "")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Nil(t, svc.starts[1].Patient)
}

func TestPostTurn(t *testing.T) {
	svc := newFakeService()
	router := NewRouter(NewHandler(svc))

	rec := serve(t, router, http.MethodPost, "/api/triage/sessions/"+testID+"/turns",
		`{"message":"I have a headache","session_id":"ignored"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[workflow.Response](t, rec)
	assert.Equal(t, testID, resp.SessionID)
	assert.Equal(t, "How long have you had the headache?", resp.Message)
	assert.Equal(t, testID, svc.turns[0].SessionID, "path id wins over body id")

	rec = serve(t, router, http.MethodPost, "/api/triage/turns", `{"message":"chest pain"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, svc.turns[1].SessionID)
}

func TestPostTurn_BadRequests(t *testing.T) {
	router := NewRouter(NewHandler(newFakeService()))

	tests := []struct {
		name string
		body string
	}{
		{"empty message", `{"message":"   "}`},
		{"not json", `headache`},
		{"missing body", ``},
		{"unknown field", `{"message":"hi","urgency":5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, router, http.MethodPost, "/api/triage/turns", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode[errorResponse](t, rec)
			assert.Equal(t, codeBadRequest, body.Code)
			assert.False(t, body.Retryable)
		})
	}
}

func TestPostTurn_OversizedBody(t *testing.T) {
	router := NewRouter(NewHandler(newFakeService()))
	body := `{"message":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	rec := serve(t, router, http.MethodPost, "/api/triage/turns", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostTurn_EngineFailure(t *testing.T) {
	svc := newFakeService()
	svc.turnErr = &stage.Error{Stage: session.StageTriage, Err: errors.New("upstream 502: secret detail")}
	router := NewRouter(NewHandler(svc))

	rec := serve(t, router, http.MethodPost, "/api/triage/turns", `{"message":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[errorResponse](t, rec)
	assert.True(t, body.Retryable)
	assert.Equal(t, codeEngine, body.Code)
	assert.NotContains(t, body.Error, "secret detail")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid id", session.ErrInvalidID, http.StatusBadRequest},
		{"not found", session.ErrSessionNotFound, http.StatusNotFound},
		{"missing token", security.ErrMissingToken, http.StatusUnauthorized},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := classify(tt.err)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestGetAndDeleteSession(t *testing.T) {
	svc := newFakeService()
	router := NewRouter(NewHandler(svc))

	rec := serve(t, router, http.MethodGet, "/api/triage/sessions/"+testID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[session.State](t, rec)
	assert.Equal(t, testID, st.ID)

	rec = serve(t, router, http.MethodGet, "/api/triage/sessions/a..b", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, router, http.MethodGet, "/api/triage/sessions/unknown-id", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, router, http.MethodDelete, "/api/triage/sessions/"+testID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(t, router, http.MethodDelete, "/api/triage/sessions/"+testID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, router, http.MethodGet, "/api/triage/sessions/"+testID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	svc := newFakeService()
	svc.active = 3
	rec := serve(t, NewRouter(NewHandler(svc)), http.MethodGet, "/api/triage/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active_sessions":3}`, rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	rec := serve(t, NewRouter(NewHandler(newFakeService())), http.MethodPut, "/api/triage/stats", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAuthentication(t *testing.T) {
	auth := security.NewAPIKeyAuthenticator()
	auth.AddKey("key-123", &security.Principal{ID: "clinic-a", Name: "Clinic A"})
	router := NewRouter(NewHandler(newFakeService(), WithAuthenticator(auth)))

	rec := serve(t, router, http.MethodGet, "/api/triage/stats", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, router, http.MethodGet, "/api/triage/stats", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, router, http.MethodGet, "/api/triage/stats", "", "Authorization", "Bearer key-123")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, router, http.MethodGet, "/api/triage/stats", "", "X-API-Key", "key-123")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	limiter := security.NewRateLimiter(0.001, 2)
	router := NewRouter(NewHandler(newFakeService(), WithRateLimiter(limiter)))

	for i := 0; i < 2; i++ {
		rec := serve(t, router, http.MethodGet, "/api/triage/stats", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := serve(t, router, http.MethodGet, "/api/triage/stats", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.True(t, decode[errorResponse](t, rec).Retryable)

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/api/triage/stats", nil)
	req.RemoteAddr = "10.0.0.9:4711"
	other := httptest.NewRecorder()
	router.ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	assert.Equal(t, "192.0.2.7", clientID(req))

	req = req.WithContext(security.WithPrincipal(req.Context(), &security.Principal{ID: "clinic-a"}))
	assert.Equal(t, "principal:clinic-a", clientID(req))
}
