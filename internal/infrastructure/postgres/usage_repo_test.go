package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/firstbad/bisectd/internal/domain"
	"github.com/firstbad/bisectd/internal/infrastructure/postgres"
)

func TestUsageRepository_RecordCompletion_AccumulatesPerMonth(t *testing.T) {
	_, pool := setupRepo(t)
	usage := postgres.NewUsageRepository(pool)
	ctx := context.Background()

	march := time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)

	if err := usage.RecordCompletion(ctx, "acme", "widget", march, 120); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := usage.RecordCompletion(ctx, "acme", "widget", march.Add(48*time.Hour), 300); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := usage.Get(ctx, "acme", "widget", march)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.JobCount != 2 {
		t.Errorf("job_count = %d, want 2", got.JobCount)
	}
	if got.TotalDurationSeconds != 420 {
		t.Errorf("total_duration_seconds = %d, want 420", got.TotalDurationSeconds)
	}
	wantStart := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	if !got.PeriodStart.Equal(wantStart) {
		t.Errorf("period_start = %v, want %v", got.PeriodStart, wantStart)
	}

	// A completion in the next month opens its own row.
	april := time.Date(2026, time.April, 2, 0, 0, 0, 0, time.UTC)
	if err := usage.RecordCompletion(ctx, "acme", "widget", april, 60); err != nil {
		t.Fatalf("record: %v", err)
	}
	gotApril, err := usage.Get(ctx, "acme", "widget", april)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gotApril.JobCount != 1 || gotApril.TotalDurationSeconds != 60 {
		t.Errorf("april row = %d jobs / %ds, want 1 / 60", gotApril.JobCount, gotApril.TotalDurationSeconds)
	}

	if _, err := usage.Get(ctx, "ghost", "repo", march); !errors.Is(err, domain.ErrUsageNotFound) {
		t.Errorf("get for unknown repo returned %v, want ErrUsageNotFound", err)
	}
}
