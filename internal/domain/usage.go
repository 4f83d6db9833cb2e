package domain

import (
	"errors"
	"time"
)

var ErrUsageNotFound = errors.New("usage stat not found")

// UsageStat aggregates completed jobs per repository per calendar month.
type UsageStat struct {
	ID                   int64
	RepoOwner            string
	RepoName             string
	PeriodStart          time.Time
	JobCount             int
	TotalDurationSeconds int64
}
