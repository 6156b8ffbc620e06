package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store on a single Postgres table. The full state
// is kept as JSONB next to an indexed last_activity column so sweeps can be
// expressed as one conditional DELETE.
type PostgresStore struct {
	db     *sql.DB
	ttl    time.Duration
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// NewPostgresStore opens a connection using dsn and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string, ttl time.Duration) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	store, err := NewPostgresStoreFromDB(ctx, db, ttl)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreFromDB wraps an existing connection pool and applies the
// schema. The store takes ownership of db.
func NewPostgresStoreFromDB(ctx context.Context, db *sql.DB, ttl time.Duration) (*PostgresStore, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("apply session schema: %w", err)
	}
	return &PostgresStore{db: db, ttl: ttl, now: time.Now}, nil
}

// SetClock replaces the time source. Intended for tests.
func (p *PostgresStore) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

func (p *PostgresStore) checkOpen() (func() time.Time, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrStorageClosed
	}
	return p.now, nil
}

// cutoff is the oldest last_activity still considered live at now.
func (p *PostgresStore) cutoff(now time.Time) time.Time {
	if p.ttl <= 0 {
		return time.Time{}
	}
	return now.Add(-p.ttl)
}

// Create allocates a fresh identifier and stores a default state.
func (p *PostgresStore) Create(ctx context.Context) (*State, error) {
	now, err := p.checkOpen()
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		st := New(uuid.New().String(), now().UTC())
		data, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("marshal state: %w", err)
		}

		_, err = p.db.ExecContext(ctx,
			`INSERT INTO carepath_sessions (id, state, created_at, last_activity)
             VALUES ($1, $2, $3, $4)`,
			st.ID, data, st.CreatedAt, st.LastActivity,
		)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		return st, nil
	}
	return nil, errors.New("create session: could not allocate a unique id")
}

// Get returns the stored state.
func (p *PostgresStore) Get(ctx context.Context, id string) (*State, error) {
	now, err := p.checkOpen()
	if err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, ErrSessionNotFound
	}

	var data []byte
	err = p.db.QueryRowContext(ctx,
		`SELECT state FROM carepath_sessions WHERE id = $1`, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}

	t := now()
	if st.Expired(t, p.ttl) {
		if _, err := p.db.ExecContext(ctx,
			`DELETE FROM carepath_sessions WHERE id = $1 AND last_activity < $2`,
			id, p.cutoff(t),
		); err != nil {
			return nil, fmt.Errorf("remove expired session: %w", err)
		}
		return nil, ErrSessionNotFound
	}
	return &st, nil
}

// Put upserts the state.
func (p *PostgresStore) Put(ctx context.Context, state *State) error {
	if _, err := p.checkOpen(); err != nil {
		return err
	}
	if err := validateID(state.ID); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO carepath_sessions (id, state, created_at, last_activity)
         VALUES ($1, $2, $3, $4)
         ON CONFLICT (id) DO UPDATE
         SET state = EXCLUDED.state, last_activity = EXCLUDED.last_activity`,
		state.ID, data, state.CreatedAt, state.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Touch bumps last_activity in both the column and the document.
func (p *PostgresStore) Touch(ctx context.Context, id string, now time.Time) error {
	if _, err := p.checkOpen(); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return ErrSessionNotFound
	}

	stamp, err := json.Marshal(now)
	if err != nil {
		return fmt.Errorf("marshal timestamp: %w", err)
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE carepath_sessions
         SET last_activity = GREATEST(last_activity, $2),
             state = CASE WHEN last_activity < $2
                          THEN jsonb_set(state, '{last_activity}', $3::jsonb)
                          ELSE state END
         WHERE id = $1 AND last_activity >= $4`,
		id, now, string(stamp), p.cutoff(now),
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Delete removes the session.
func (p *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	now, err := p.checkOpen()
	if err != nil {
		return false, err
	}
	if err := validateID(id); err != nil {
		return false, nil
	}

	var last time.Time
	err = p.db.QueryRowContext(ctx,
		`DELETE FROM carepath_sessions WHERE id = $1 RETURNING last_activity`, id,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}

	st := State{LastActivity: last}
	return !st.Expired(now(), p.ttl), nil
}

// Sweep deletes idle sessions. The predicate is evaluated by the DELETE
// itself, so a row touched after the sweep started is kept.
func (p *PostgresStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	if _, err := p.checkOpen(); err != nil {
		return 0, err
	}
	if p.ttl <= 0 {
		return 0, nil
	}

	res, err := p.db.ExecContext(ctx,
		`DELETE FROM carepath_sessions WHERE last_activity < $1`, p.cutoff(now),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return int(n), nil
}

// Count returns the number of live sessions.
func (p *PostgresStore) Count(ctx context.Context, now time.Time) (int, error) {
	if _, err := p.checkOpen(); err != nil {
		return 0, err
	}

	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM carepath_sessions WHERE last_activity >= $1`, p.cutoff(now),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// Ping checks the database connection.
func (p *PostgresStore) Ping(ctx context.Context) error {
	if _, err := p.checkOpen(); err != nil {
		return err
	}
	return p.db.PingContext(ctx)
}

// Close closes the connection pool.
func (p *PostgresStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}
