package api

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/aixgo-dev/carepath/pkg/observability"
	"github.com/aixgo-dev/carepath/pkg/security"
)

// NewRouter wires the triage routes behind authentication, rate limiting
// and request metrics.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/triage/sessions", h.CreateSession)
	mux.HandleFunc("POST /api/triage/sessions/{id}/turns", h.PostTurn)
	mux.HandleFunc("POST /api/triage/turns", h.PostTurn)
	mux.HandleFunc("GET /api/triage/sessions/{id}", h.GetSession)
	mux.HandleFunc("DELETE /api/triage/sessions/{id}", h.DeleteSession)
	mux.HandleFunc("GET /api/triage/stats", h.Stats)

	var handler http.Handler = mux
	handler = h.limit(handler)
	handler = h.authenticate(handler)
	handler = limitBody(handler)
	return instrument(mux, handler)
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.auth == nil || !h.auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		p, err := h.auth.Authenticate(r.Context(), security.TokenFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(security.WithPrincipal(r.Context(), p)))
	})
}

func (h *Handler) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow(clientID(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Error:     "rate limit exceeded",
				Code:      codeRateLimited,
				Retryable: true,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientID keys rate limits by principal when authenticated, otherwise by
// remote address.
func clientID(r *http.Request) string {
	if p, ok := security.PrincipalFromContext(r.Context()); ok {
		return "principal:" + p.ID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request metrics labelled by route pattern so ids in
// paths do not inflate label cardinality.
func instrument(mux *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		observability.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(rec.status), time.Since(start))
	})
}
