package pending

import (
	"context"
	"time"

	"github.com/relay-apps/authbridge/internal/log"
)

// Sweepable is implemented by stores that can bulk-delete expired results
type Sweepable interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Sweeper periodically removes expired pending results from a durable store.
// The opportunistic pre-write sweep keeps steady-state tidy; this loop covers
// idle periods with no writes.
type Sweeper struct {
	store    Sweepable
	interval time.Duration
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewSweeper creates a sweeper running at the given interval
func NewSweeper(store Sweepable, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the sweep loop in a goroutine
func (s *Sweeper) Start(ctx context.Context) {
	log.LogInfoWithFields("sweeper", "Starting pending-result sweeper", map[string]any{
		"interval": s.interval.String(),
	})

	go s.run(ctx)
}

// Stop gracefully stops the sweep loop
func (s *Sweeper) Stop() {
	close(s.stopChan)
	<-s.doneChan
	log.LogInfoWithFields("sweeper", "Pending-result sweeper stopped", nil)
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.stopChan:
			s.sweep(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	count, err := s.store.SweepExpired(ctx)
	if err != nil {
		log.LogErrorWithFields("sweeper", "Failed to sweep expired pending results", map[string]any{
			"error": err.Error(),
		})
		return
	}

	if count > 0 {
		log.LogInfoWithFields("sweeper", "Swept expired pending results", map[string]any{
			"count": count,
		})
	}
}
