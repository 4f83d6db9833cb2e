package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firstbad/bisectd/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UsageRepository struct {
	pool *pgxpool.Pool
}

func NewUsageRepository(pool *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{pool: pool}
}

func (r *UsageRepository) RecordCompletion(ctx context.Context, owner, name string, period time.Time, durationSeconds int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO usage_stats (repo_owner, repo_name, period_start, job_count, total_duration_seconds)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (repo_owner, repo_name, period_start) DO UPDATE
		SET job_count              = usage_stats.job_count + 1,
		    total_duration_seconds = usage_stats.total_duration_seconds + EXCLUDED.total_duration_seconds`,
		owner, name, monthStart(period), durationSeconds)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (r *UsageRepository) Get(ctx context.Context, owner, name string, period time.Time) (*domain.UsageStat, error) {
	var s domain.UsageStat
	err := r.pool.QueryRow(ctx, `
		SELECT id, repo_owner, repo_name, period_start, job_count, total_duration_seconds
		FROM usage_stats
		WHERE repo_owner = $1 AND repo_name = $2 AND period_start = $3`,
		owner, name, monthStart(period)).
		Scan(&s.ID, &s.RepoOwner, &s.RepoName, &s.PeriodStart, &s.JobCount, &s.TotalDurationSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUsageNotFound
		}
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return &s, nil
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
