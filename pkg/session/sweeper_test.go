package session

import (
	"context"
	"testing"
	"time"
)

func TestSweeper_SweepOnce(t *testing.T) {
	store := NewMemoryStore(testTTL)
	clock := newFakeClock()
	store.SetClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Create(ctx); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	sweeper := NewSweeper(store, time.Minute)
	sweeper.now = clock.Now

	if n := sweeper.SweepOnce(ctx); n != 0 {
		t.Errorf("fresh sessions swept: %d", n)
	}

	clock.Advance(testTTL + time.Second)
	if n := sweeper.SweepOnce(ctx); n != 3 {
		t.Errorf("SweepOnce removed %d, want 3", n)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	store := NewMemoryStore(testTTL)
	sweeper := NewSweeper(store, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
