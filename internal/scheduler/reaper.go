package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/firstbad/bisectd/internal/metrics"
	"github.com/firstbad/bisectd/internal/repository"
)

// Waker is poked when the reaper returns jobs to the queue so the local
// worker re-polls immediately instead of waiting out its interval.
type Waker interface {
	Wake()
}

// Reaper recovers jobs whose worker stopped heartbeating: back to the queue
// while attempts remain, failed for good once they run out. Every instance
// runs one; SKIP LOCKED keeps concurrent sweeps from fighting.
type Reaper struct {
	repo        repository.JobRepository
	waker       Waker
	logger      *slog.Logger
	interval    time.Duration
	staleAfter  time.Duration
	maxAttempts int
}

func NewReaper(repo repository.JobRepository, waker Waker, logger *slog.Logger, interval, staleAfter time.Duration, maxAttempts int) *Reaper {
	return &Reaper{
		repo:        repo,
		waker:       waker,
		logger:      logger.With("component", "reaper"),
		interval:    interval,
		staleAfter:  staleAfter,
		maxAttempts: maxAttempts,
	}
}

func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval, "stale_after", r.staleAfter)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper shut down")
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *Reaper) reap(ctx context.Context) {
	started := time.Now()
	defer func() { metrics.ReaperCycleDuration.Observe(time.Since(started).Seconds()) }()

	staleCutoff := time.Now().Add(-r.staleAfter)

	requeued, err := r.repo.ResetStale(ctx, staleCutoff, r.maxAttempts, 100)
	if err != nil {
		r.logger.Error("reset stale jobs", "error", err)
	} else if requeued > 0 {
		metrics.ReaperRescuedTotal.WithLabelValues("requeued").Add(float64(requeued))
		r.logger.Warn("returned stale jobs to queue", "count", requeued)
		if r.waker != nil {
			r.waker.Wake()
		}
	}

	failed, err := r.repo.FailStale(ctx, staleCutoff, r.maxAttempts, 100)
	if err != nil {
		r.logger.Error("fail stale jobs", "error", err)
	} else if failed > 0 {
		metrics.ReaperRescuedTotal.WithLabelValues("failed").Add(float64(failed))
		r.logger.Warn("failed stale jobs past attempt limit", "count", failed)
	}
}
