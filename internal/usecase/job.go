package usecase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firstbad/bisectd/internal/domain"
	"github.com/firstbad/bisectd/internal/repository"
	"github.com/firstbad/bisectd/internal/stream"
)

// WorkerControl is the slice of the in-process worker the API layer needs:
// nudging the poll loop after inserts and interrupting runs on cancel.
type WorkerControl interface {
	Wake()
	CancelLocal(id int64) bool
	RunningCount() int
}

type JobUsecase struct {
	repo        repository.JobRepository
	usage       repository.UsageRepository
	bus         *stream.Bus
	worker      WorkerControl
	streamGrace time.Duration
}

func NewJobUsecase(repo repository.JobRepository, usage repository.UsageRepository, bus *stream.Bus, worker WorkerControl, streamGrace time.Duration) *JobUsecase {
	return &JobUsecase{
		repo:        repo,
		usage:       usage,
		bus:         bus,
		worker:      worker,
		streamGrace: streamGrace,
	}
}

type CreateJobInput struct {
	InstallationRef int64
	RepoOwner       string
	RepoName        string
	GoodSHA         string
	BadSHA          string
	TestCommand     string
	RunnerImageTag  *string
	RequestedBy     *string
	NotifyEmail     *string
}

func (u *JobUsecase) CreateJob(ctx context.Context, input CreateJobInput) (*domain.Job, error) {
	// SHA comparison is case-insensitive; git treats ABC and abc as one object.
	if strings.EqualFold(input.GoodSHA, input.BadSHA) {
		return nil, domain.ErrSameGoodBad
	}

	job := &domain.Job{
		InstallationRef: input.InstallationRef,
		RepoOwner:       input.RepoOwner,
		RepoName:        input.RepoName,
		GoodSHA:         strings.ToLower(input.GoodSHA),
		BadSHA:          strings.ToLower(input.BadSHA),
		TestCommand:     input.TestCommand,
		RunnerImageTag:  input.RunnerImageTag,
		RequestedBy:     input.RequestedBy,
		NotifyEmail:     input.NotifyEmail,
		Status:          domain.StatusPending,
	}

	created, err := u.repo.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if u.worker != nil {
		u.worker.Wake()
	}
	return created, nil
}

func (u *JobUsecase) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	job, err := u.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

type ListJobsInput struct {
	Status string
	Cursor string
	Limit  int
}

type ListJobsResult struct {
	Jobs       []*domain.Job
	NextCursor *string
}

type jobCursor struct {
	CreatedAt time.Time `json:"c"`
	ID        int64     `json:"i"`
}

func decodeJobCursor(s string) (*time.Time, int64, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, 0, fmt.Errorf("decode cursor: %w", err)
	}
	var c jobCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, 0, fmt.Errorf("unmarshal cursor: %w", err)
	}
	return &c.CreatedAt, c.ID, nil
}

func encodeJobCursor(createdAt time.Time, id int64) string {
	b, _ := json.Marshal(jobCursor{CreatedAt: createdAt, ID: id})
	return base64.RawURLEncoding.EncodeToString(b)
}

func (u *JobUsecase) ListJobs(ctx context.Context, input ListJobsInput) (ListJobsResult, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	repoInput := repository.ListJobsInput{Limit: limit + 1}

	if input.Status != "" {
		status, err := domain.ParseStatus(input.Status)
		if err != nil {
			return ListJobsResult{}, err
		}
		repoInput.Status = status
	}

	if input.Cursor != "" {
		cursorTime, cursorID, err := decodeJobCursor(input.Cursor)
		if err != nil {
			return ListJobsResult{}, domain.ErrInvalidCursor
		}
		repoInput.CursorTime = cursorTime
		repoInput.CursorID = cursorID
	}

	jobs, err := u.repo.List(ctx, repoInput)
	if err != nil {
		return ListJobsResult{}, fmt.Errorf("list jobs: %w", err)
	}

	// The repo predicate is strict (created_at, id) < cursor, so the cursor
	// must name the last row served, not the first row held back.
	var nextCursor *string
	if len(jobs) == limit+1 {
		jobs = jobs[:limit]
		last := jobs[limit-1]
		s := encodeJobCursor(last.CreatedAt, last.ID)
		nextCursor = &s
	}

	return ListJobsResult{Jobs: jobs, NextCursor: nextCursor}, nil
}

// CancelJob moves the job to cancelled and settles its stream. A run
// executing in this process is interrupted directly; on other instances the
// dying heartbeat takes care of it. Returns the status the job had before
// cancellation.
func (u *JobUsecase) CancelJob(ctx context.Context, id int64, actor string) (domain.Status, error) {
	job, err := u.repo.GetByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get job for cancel: %w", err)
	}
	if !job.OwnedBy(actor) {
		return "", domain.ErrUnauthorized
	}

	previous, err := u.repo.Cancel(ctx, id, actor)
	if err != nil {
		return "", fmt.Errorf("cancel job: %w", err)
	}

	msg := "cancelled by " + actor
	u.bus.Publish(id, stream.MessageLog, msg)
	u.bus.Publish(id, stream.MessageStatus, string(domain.StatusCancelled))
	u.bus.Publish(id, stream.MessageResult,
		stream.CompletePayload(string(domain.StatusCancelled), nil, nil, &msg))
	u.bus.MarkComplete(id)
	time.AfterFunc(u.streamGrace, func() { u.bus.Cleanup(id) })

	if previous == domain.StatusRunning && u.worker != nil {
		u.worker.CancelLocal(id)
	}
	return previous, nil
}

// RetryJob clones a finished job into a fresh pending one. Successful jobs
// have nothing to retry and running ones must be cancelled first.
func (u *JobUsecase) RetryJob(ctx context.Context, id int64, actor string) (*domain.Job, error) {
	orig, err := u.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job for retry: %w", err)
	}
	if !orig.OwnedBy(actor) {
		return nil, domain.ErrUnauthorized
	}
	if orig.Status != domain.StatusFailed && orig.Status != domain.StatusCancelled {
		return nil, fmt.Errorf("job %d is %s: %w", id, orig.Status, domain.ErrJobNotRetriable)
	}

	var requestedBy *string
	if actor != "" {
		requestedBy = &actor
	}
	job := &domain.Job{
		InstallationRef: orig.InstallationRef,
		RepoOwner:       orig.RepoOwner,
		RepoName:        orig.RepoName,
		GoodSHA:         orig.GoodSHA,
		BadSHA:          orig.BadSHA,
		TestCommand:     orig.TestCommand,
		RunnerImageTag:  orig.RunnerImageTag,
		RequestedBy:     requestedBy,
		NotifyEmail:     orig.NotifyEmail,
		Status:          domain.StatusPending,
	}

	created, err := u.repo.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create retry job: %w", err)
	}

	if u.worker != nil {
		u.worker.Wake()
	}
	return created, nil
}

type Stats struct {
	StatusCounts map[domain.Status]int
	Running      int // jobs executing in this instance
}

func (u *JobUsecase) Stats(ctx context.Context) (*Stats, error) {
	counts, err := u.repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	if counts == nil {
		counts = make(map[domain.Status]int)
	}
	// Absent statuses read as explicit zeros so consumers see a stable shape.
	for _, st := range []domain.Status{
		domain.StatusPending, domain.StatusRunning, domain.StatusSuccess,
		domain.StatusFailed, domain.StatusTimeout, domain.StatusCancelled,
	} {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}

	s := &Stats{StatusCounts: counts}
	if u.worker != nil {
		s.Running = u.worker.RunningCount()
	}
	return s, nil
}

// RepoUsage returns the usage counters for one repository in the month
// containing now. Months with no completed jobs read as zeros.
func (u *JobUsecase) RepoUsage(ctx context.Context, owner, name string) (*domain.UsageStat, error) {
	now := time.Now().UTC()
	stat, err := u.usage.Get(ctx, owner, name, now)
	if errors.Is(err, domain.ErrUsageNotFound) {
		return &domain.UsageStat{
			RepoOwner:   owner,
			RepoName:    name,
			PeriodStart: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return stat, nil
}
