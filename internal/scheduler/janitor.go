package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/firstbad/bisectd/internal/repository"
	"github.com/robfig/cron/v3"
)

// Janitor deletes terminal jobs older than the retention window on a cron
// schedule, keeping the jobs table from growing without bound.
type Janitor struct {
	repo      repository.JobRepository
	logger    *slog.Logger
	schedule  cron.Schedule
	retention time.Duration
}

// NewJanitor parses spec as a standard five-field cron expression.
func NewJanitor(repo repository.JobRepository, logger *slog.Logger, spec string, retention time.Duration) (*Janitor, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", spec, err)
	}
	return &Janitor{
		repo:      repo,
		logger:    logger.With("component", "janitor"),
		schedule:  schedule,
		retention: retention,
	}, nil
}

func (j *Janitor) Start(ctx context.Context) {
	j.logger.Info("janitor started", "retention", j.retention)

	for {
		next := j.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			j.logger.Info("janitor shut down")
			return
		case <-time.After(time.Until(next)):
			j.purge(ctx)
		}
	}
}

func (j *Janitor) purge(ctx context.Context) {
	cutoff := time.Now().Add(-j.retention)
	deleted, err := j.repo.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("purge old jobs", "error", err)
		return
	}
	if deleted > 0 {
		j.logger.Info("purged old jobs", "count", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
}
