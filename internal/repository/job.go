package repository

import (
	"context"
	"time"

	"github.com/firstbad/bisectd/internal/domain"
)

type ListJobsInput struct {
	Status     domain.Status // empty = all statuses
	CursorTime *time.Time    // nil = first page
	CursorID   int64         // used only when CursorTime is non-nil
	Limit      int
}

// UseCase and scheduler depend on the interface, not the concrete
// implementation, so tests can substitute in-memory fakes.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) (*domain.Job, error)
	GetByID(ctx context.Context, id int64) (*domain.Job, error)
	List(ctx context.Context, input ListJobsInput) ([]*domain.Job, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)

	// Cancel moves a pending or running job to cancelled and returns the
	// status it had before. Terminal jobs yield domain.ErrJobTerminal.
	Cancel(ctx context.Context, id int64, actor string) (domain.Status, error)

	// Worker methods. ClaimNext atomically leases up to limit pending jobs
	// to workerID; a job claimed by one worker is invisible to every other
	// claimer. Complete and Fail report false when the job was no longer
	// running (cancelled or recovered elsewhere), in which case nothing was
	// written.
	ClaimNext(ctx context.Context, workerID string, limit int) ([]*domain.Job, error)
	Heartbeat(ctx context.Context, id int64) (bool, error)
	Complete(ctx context.Context, id int64, outcome domain.Outcome) (bool, error)
	Fail(ctx context.Context, id int64, errorMessage string) (bool, error)
	Requeue(ctx context.Context, id int64, lastError string) error

	// Reaper methods: recover jobs from crashed workers.
	ResetStale(ctx context.Context, staleCutoff time.Time, maxAttempts, limit int) (int, error)
	FailStale(ctx context.Context, staleCutoff time.Time, maxAttempts, limit int) (int, error)

	// ReleaseOwned returns this worker's still-running jobs to the queue on
	// shutdown; jobs already at the attempt cap are failed instead.
	ReleaseOwned(ctx context.Context, workerID string, maxAttempts int) (requeued, failed int, err error)

	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
