package session

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

// Postgres tests need a disposable database:
//
//	CAREPATH_TEST_DATABASE_URL=postgres://localhost/carepath_test?sslmode=disable go test ./pkg/session/
func testPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("CAREPATH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CAREPATH_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn, testTTL)
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `TRUNCATE carepath_sessions`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) clockedStore {
		return testPostgresStore(t)
	})
}

func TestPostgresStore_GetRemovesExpiredRow(t *testing.T) {
	store := testPostgresStore(t)
	ctx := context.Background()
	clock := newFakeClock()
	store.SetClock(clock.Now)

	st, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	clock.Advance(testTTL + time.Second)

	if _, err := store.Get(ctx, st.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get on expired session: got %v, want ErrSessionNotFound", err)
	}
	var rows int
	if err := store.db.QueryRowContext(ctx,
		`SELECT count(*) FROM carepath_sessions WHERE id = $1`, st.ID,
	).Scan(&rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 0 {
		t.Errorf("expired row still stored")
	}

	// A failed removal surfaces instead of reporting the session missing.
	st, err = store.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	clock.Advance(testTTL + time.Second)
	if _, err := store.db.ExecContext(ctx, `CREATE OR REPLACE FUNCTION carepath_block_delete() RETURNS trigger AS $$
BEGIN RAISE EXCEPTION 'delete blocked'; END $$ LANGUAGE plpgsql`); err != nil {
		t.Fatalf("create trigger function: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `CREATE TRIGGER carepath_block_delete BEFORE DELETE ON carepath_sessions
FOR EACH ROW EXECUTE FUNCTION carepath_block_delete()`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	t.Cleanup(func() {
		_, _ = store.db.ExecContext(context.Background(), `DROP TRIGGER IF EXISTS carepath_block_delete ON carepath_sessions`)
	})

	_, err = store.Get(ctx, st.ID)
	if err == nil || errors.Is(err, ErrSessionNotFound) || !strings.Contains(err.Error(), "remove expired session") {
		t.Errorf("Get with failing removal: got %v", err)
	}
}

func TestNewPostgresStore_RequiresDSN(t *testing.T) {
	if _, err := NewPostgresStore(context.Background(), "", testTTL); err == nil {
		t.Error("expected error for empty dsn")
	}
}
