package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
)

var (
	// ErrMissingToken is returned when a request carries no credentials.
	ErrMissingToken = errors.New("missing authentication token")
	// ErrInvalidToken is returned when the credentials are not recognised.
	ErrInvalidToken = errors.New("invalid authentication token")
)

// Principal represents an authenticated caller
type Principal struct {
	ID   string
	Name string
}

// APIKeyAuthenticator implements simple API key authentication
type APIKeyAuthenticator struct {
	keys map[string]*Principal
	mu   sync.RWMutex
}

// NewAPIKeyAuthenticator creates a new API key authenticator
func NewAPIKeyAuthenticator() *APIKeyAuthenticator {
	return &APIKeyAuthenticator{
		keys: make(map[string]*Principal),
	}
}

// AddKey registers an API key with associated principal
func (a *APIKeyAuthenticator) AddKey(apiKey string, principal *Principal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[apiKey] = principal
}

// Enabled reports whether any key is registered.
func (a *APIKeyAuthenticator) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys) > 0
}

// Authenticate verifies an API key and returns the associated principal
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	// Constant-time comparison
	for key, principal := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return principal, nil
		}
	}

	return nil, ErrInvalidToken
}

// TokenFromRequest reads a bearer token or an X-API-Key header.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// contextKey is a private type for context keys
type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal stores the authenticated principal in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}
