package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist or has expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStorageClosed is returned when operating on a closed store.
	ErrStorageClosed = errors.New("session store is closed")
	// ErrInvalidID is returned for empty or unsafe session identifiers.
	ErrInvalidID = errors.New("invalid session id")
)

// Store abstracts session persistence.
// Implementations must be safe for concurrent use. Serializing turns for a
// single session is the caller's job; the store only guarantees that each
// call is atomic.
type Store interface {
	// Create allocates a fresh identifier and stores a default state.
	Create(ctx context.Context) (*State, error)

	// Get returns the current state. Expired sessions are removed and
	// reported as ErrSessionNotFound.
	Get(ctx context.Context, id string) (*State, error)

	// Put replaces the stored state. Last writer wins.
	Put(ctx context.Context, state *State) error

	// Touch marks the session as active at now. It returns
	// ErrSessionNotFound if the session is absent or already expired.
	Touch(ctx context.Context, id string, now time.Time) error

	// Delete removes the session and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Sweep removes every session idle longer than the TTL as of now and
	// returns how many were removed. A session touched between the scan and
	// the removal is kept.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// Count returns the number of sessions that are live as of now.
	Count(ctx context.Context, now time.Time) (int, error)

	// Ping checks that the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// validateID rejects identifiers that cannot be used as storage keys.
func validateID(id string) error {
	if strings.TrimSpace(id) == "" || len(id) > 128 {
		return ErrInvalidID
	}
	if strings.ContainsAny(id, "/\\\x00") || strings.Contains(id, "..") {
		return ErrInvalidID
	}
	return nil
}

// ValidateID reports whether id can be used as a session identifier.
func ValidateID(id string) error { return validateID(id) }
