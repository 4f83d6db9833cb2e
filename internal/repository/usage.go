package repository

import (
	"context"
	"time"

	"github.com/firstbad/bisectd/internal/domain"
)

type UsageRepository interface {
	// RecordCompletion bumps the per-repository counters for the month
	// containing period. Upserts, so the first completion of a month
	// creates the row.
	RecordCompletion(ctx context.Context, owner, name string, period time.Time, durationSeconds int64) error

	Get(ctx context.Context, owner, name string, period time.Time) (*domain.UsageStat, error)
}
