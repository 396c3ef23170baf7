package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/raphaelgruber/evidraft/internal/metrics"
	"github.com/raphaelgruber/evidraft/internal/queue"
)

// SweepStore is the queue surface the sweeper needs.
type SweepStore interface {
	ReclaimExpired(ctx context.Context) (queue.SweepResult, error)
	Stats(ctx context.Context) (*queue.Stats, error)
}

var _ SweepStore = (*queue.Store)(nil)

// Sweeper periodically returns expired claims to the queue and refreshes
// the queue depth gauge.
type Sweeper struct {
	store    SweepStore
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(store SweepStore, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one reclaim pass.
func (s *Sweeper) Sweep(ctx context.Context) (queue.SweepResult, error) {
	res, err := s.store.ReclaimExpired(ctx)
	if err != nil {
		return res, err
	}
	if res.Total() > 0 {
		s.logger.Warn("reclaimed expired claims", "requeued", res.Requeued, "failed", res.Failed, "cancelled", res.Cancelled)
	}

	stats, err := s.store.Stats(ctx)
	if err != nil {
		return res, err
	}
	for status, n := range stats.Depth {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
	return res, nil
}
