package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore implements Store with one JSON document per session.
// Storage layout:
//
//	<base-dir>/
//	  ├── <session-id>.json
//	  └── <session-id>.json
//
// Writes go to a temp file that is renamed into place, so a crash never
// leaves a half-written session behind.
type FileStore struct {
	baseDir string
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	closed  bool
}

// NewFileStore creates a file-backed store rooted at baseDir.
// If baseDir is empty, uses ~/.carepath/sessions.
func NewFileStore(baseDir string, ttl time.Duration) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".carepath", "sessions")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileStore{
		baseDir: baseDir,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// SetClock replaces the time source. Intended for tests.
func (f *FileStore) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.baseDir, id+".json")
}

func (f *FileStore) read(id string) (*State, error) {
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read session: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &st, nil
}

func (f *FileStore) write(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	tmp, err := os.CreateTemp(f.baseDir, ".tmp-"+st.ID+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path(st.ID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename session file: %w", err)
	}
	return nil
}

// Create allocates a fresh identifier and stores a default state.
func (f *FileStore) Create(ctx context.Context) (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	id := uuid.New().String()
	for {
		if _, err := os.Stat(f.path(id)); errors.Is(err, os.ErrNotExist) {
			break
		}
		id = uuid.New().String()
	}

	st := New(id, f.now().UTC())
	if err := f.write(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Get loads a session from disk.
func (f *FileStore) Get(ctx context.Context, id string) (*State, error) {
	if err := validateID(id); err != nil {
		return nil, ErrSessionNotFound
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	st, err := f.read(id)
	if err != nil {
		return nil, err
	}
	if st.Expired(f.now(), f.ttl) {
		_ = os.Remove(f.path(id))
		return nil, ErrSessionNotFound
	}
	return st, nil
}

// Put writes the state to disk.
func (f *FileStore) Put(ctx context.Context, state *State) error {
	if err := validateID(state.ID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	return f.write(state)
}

// Touch bumps LastActivity.
func (f *FileStore) Touch(ctx context.Context, id string, now time.Time) error {
	if err := validateID(id); err != nil {
		return ErrSessionNotFound
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	st, err := f.read(id)
	if err != nil {
		return err
	}
	if st.Expired(now, f.ttl) {
		return ErrSessionNotFound
	}
	if now.After(st.LastActivity) {
		st.LastActivity = now
	}
	return f.write(st)
}

// Delete removes the session file.
func (f *FileStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false, ErrStorageClosed
	}

	st, err := f.read(id)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := os.Remove(f.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("remove session: %w", err)
	}
	return !st.Expired(f.now(), f.ttl), nil
}

// list returns the ids of every stored session.
func (f *FileStore) list() ([]string, error) {
	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// Sweep removes idle sessions. Each candidate is re-read under the lock
// before it is removed.
func (f *FileStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return 0, ErrStorageClosed
	}
	ids, err := f.list()
	f.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		f.mu.Lock()
		st, err := f.read(id)
		if err == nil && st.Expired(now, f.ttl) {
			if rmErr := os.Remove(f.path(id)); rmErr == nil {
				removed++
			}
		}
		f.mu.Unlock()
	}
	return removed, nil
}

// Count returns the number of live sessions.
func (f *FileStore) Count(ctx context.Context, now time.Time) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return 0, ErrStorageClosed
	}

	ids, err := f.list()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		st, err := f.read(id)
		if err != nil {
			continue
		}
		if !st.Expired(now, f.ttl) {
			n++
		}
	}
	return n, nil
}

// Ping verifies the base directory is reachable.
func (f *FileStore) Ping(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrStorageClosed
	}
	if _, err := os.Stat(f.baseDir); err != nil {
		return fmt.Errorf("session directory: %w", err)
	}
	return nil
}

// Close marks the store closed. Files remain on disk.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
