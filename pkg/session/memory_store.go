package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]*State
	mu       sync.RWMutex
	closed   bool
}

// NewMemoryStore creates an in-memory store whose sessions expire after ttl
// of inactivity. A non-positive ttl disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*State),
	}
}

// SetClock replaces the time source. Intended for tests.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Create allocates a fresh identifier and stores a default state.
func (m *MemoryStore) Create(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	id := uuid.New().String()
	for {
		if _, taken := m.sessions[id]; !taken {
			break
		}
		id = uuid.New().String()
	}

	st := New(id, m.now().UTC())
	m.sessions[id] = st
	return st.Clone(), nil
}

// Get returns a copy of the stored state.
func (m *MemoryStore) Get(ctx context.Context, id string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	st, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if st.Expired(m.now(), m.ttl) {
		delete(m.sessions, id)
		return nil, ErrSessionNotFound
	}
	return st.Clone(), nil
}

// Put replaces the stored state with a copy of state.
func (m *MemoryStore) Put(ctx context.Context, state *State) error {
	if err := validateID(state.ID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	m.sessions[state.ID] = state.Clone()
	return nil
}

// Touch bumps LastActivity.
func (m *MemoryStore) Touch(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	st, ok := m.sessions[id]
	if !ok || st.Expired(now, m.ttl) {
		return ErrSessionNotFound
	}
	if now.After(st.LastActivity) {
		st.LastActivity = now
	}
	return nil
}

// Delete removes the session.
func (m *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrStorageClosed
	}

	st, ok := m.sessions[id]
	if !ok {
		return false, nil
	}
	delete(m.sessions, id)
	return !st.Expired(m.now(), m.ttl), nil
}

// Sweep scans under the read lock and only takes the write lock to remove
// candidates, re-checking each one's LastActivity before it goes.
func (m *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return 0, ErrStorageClosed
	}
	var candidates []string
	for id, st := range m.sessions {
		if st.Expired(now, m.ttl) {
			candidates = append(candidates, id)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		m.mu.Lock()
		if st, ok := m.sessions[id]; ok && st.Expired(now, m.ttl) {
			delete(m.sessions, id)
			removed++
		}
		m.mu.Unlock()
	}
	return removed, nil
}

// Count returns the number of live sessions.
func (m *MemoryStore) Count(ctx context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}

	n := 0
	for _, st := range m.sessions {
		if !st.Expired(now, m.ttl) {
			n++
		}
	}
	return n, nil
}

// Ping always succeeds unless the store is closed.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close drops all sessions.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.sessions = make(map[string]*State)
	return nil
}
