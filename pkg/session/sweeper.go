package session

import (
	"context"
	"log"
	"time"

	"github.com/aixgo-dev/carepath/pkg/observability"
)

// Sweeper periodically removes idle sessions from a store.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(store Store, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled. It always returns nil
// so it can sit in an errgroup next to the servers.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single sweep and refreshes the session gauges.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	now := s.now()

	removed, err := s.store.Sweep(ctx, now)
	if err != nil {
		log.Printf("Session sweep failed after removing %d: %v", removed, err)
	}
	observability.RecordSessionsExpired(removed)

	active, err := s.store.Count(ctx, now)
	if err != nil {
		log.Printf("Session count failed: %v", err)
		return removed
	}
	observability.SetActiveSessions(active)

	if removed > 0 {
		log.Printf("Session sweep removed %d idle sessions, %d active", removed, active)
	}
	return removed
}
