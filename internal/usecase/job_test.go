package usecase_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/firstbad/bisectd/internal/domain"
	"github.com/firstbad/bisectd/internal/repository"
	"github.com/firstbad/bisectd/internal/stream"
	"github.com/firstbad/bisectd/internal/usecase"
)

// ---- fakes ----

type fakeJobRepo struct {
	create        func(ctx context.Context, job *domain.Job) (*domain.Job, error)
	getByID       func(ctx context.Context, id int64) (*domain.Job, error)
	list          func(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error)
	countByStatus func(ctx context.Context) (map[domain.Status]int, error)
	cancel        func(ctx context.Context, id int64, actor string) (domain.Status, error)
}

func (r *fakeJobRepo) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	return r.create(ctx, job)
}

func (r *fakeJobRepo) GetByID(ctx context.Context, id int64) (*domain.Job, error) {
	return r.getByID(ctx, id)
}

func (r *fakeJobRepo) List(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	return r.list(ctx, input)
}

func (r *fakeJobRepo) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	return r.countByStatus(ctx)
}

func (r *fakeJobRepo) Cancel(ctx context.Context, id int64, actor string) (domain.Status, error) {
	return r.cancel(ctx, id, actor)
}

func (r *fakeJobRepo) ClaimNext(context.Context, string, int) ([]*domain.Job, error) {
	panic("ClaimNext not used in usecase tests")
}

func (r *fakeJobRepo) Heartbeat(context.Context, int64) (bool, error) {
	panic("Heartbeat not used in usecase tests")
}

func (r *fakeJobRepo) Complete(context.Context, int64, domain.Outcome) (bool, error) {
	panic("Complete not used in usecase tests")
}

func (r *fakeJobRepo) Fail(context.Context, int64, string) (bool, error) {
	panic("Fail not used in usecase tests")
}

func (r *fakeJobRepo) Requeue(context.Context, int64, string) error {
	panic("Requeue not used in usecase tests")
}

func (r *fakeJobRepo) ResetStale(context.Context, time.Time, int, int) (int, error) {
	panic("ResetStale not used in usecase tests")
}

func (r *fakeJobRepo) FailStale(context.Context, time.Time, int, int) (int, error) {
	panic("FailStale not used in usecase tests")
}

func (r *fakeJobRepo) ReleaseOwned(context.Context, string, int) (int, int, error) {
	panic("ReleaseOwned not used in usecase tests")
}

func (r *fakeJobRepo) PurgeTerminalBefore(context.Context, time.Time) (int64, error) {
	panic("PurgeTerminalBefore not used in usecase tests")
}

type fakeUsageRepo struct {
	get func(ctx context.Context, owner, name string, period time.Time) (*domain.UsageStat, error)
}

func (r *fakeUsageRepo) RecordCompletion(context.Context, string, string, time.Time, int64) error {
	panic("RecordCompletion not used in usecase tests")
}

func (r *fakeUsageRepo) Get(ctx context.Context, owner, name string, period time.Time) (*domain.UsageStat, error) {
	return r.get(ctx, owner, name, period)
}

type fakeWorkerControl struct {
	woken        chan struct{}
	cancelled    chan int64
	runningCount int
}

func (w *fakeWorkerControl) Wake() {
	select {
	case w.woken <- struct{}{}:
	default:
	}
}

func (w *fakeWorkerControl) CancelLocal(id int64) bool {
	select {
	case w.cancelled <- id:
	default:
	}
	return true
}

func (w *fakeWorkerControl) RunningCount() int { return w.runningCount }

// ---- helpers ----

func newWorkerControl() *fakeWorkerControl {
	return &fakeWorkerControl{
		woken:     make(chan struct{}, 1),
		cancelled: make(chan int64, 1),
	}
}

func newUsecase(repo *fakeJobRepo, usage *fakeUsageRepo, worker usecase.WorkerControl) (*usecase.JobUsecase, *stream.Bus) {
	bus := stream.New(100, time.Minute)
	return usecase.NewJobUsecase(repo, usage, bus, worker, time.Minute), bus
}

func validCreateInput() usecase.CreateJobInput {
	return usecase.CreateJobInput{
		InstallationRef: 42,
		RepoOwner:       "acme",
		RepoName:        "widget",
		GoodSHA:         strings.Repeat("a", 40),
		BadSHA:          strings.Repeat("b", 40),
		TestCommand:     "go test ./...",
	}
}

// ---- CreateJob ----

func TestCreateJob_RejectsIdenticalEndpoints(t *testing.T) {
	repo := &fakeJobRepo{
		create: func(_ context.Context, _ *domain.Job) (*domain.Job, error) {
			t.Error("Create must not be called for an empty range")
			return nil, nil
		},
	}
	u, _ := newUsecase(repo, nil, newWorkerControl())

	input := validCreateInput()
	input.GoodSHA = strings.Repeat("a", 40)
	input.BadSHA = strings.ToUpper(input.GoodSHA) // same object, different case

	_, err := u.CreateJob(context.Background(), input)
	if !errors.Is(err, domain.ErrSameGoodBad) {
		t.Errorf("want ErrSameGoodBad, got %v", err)
	}
}

func TestCreateJob_InsertsPendingAndWakesWorker(t *testing.T) {
	var inserted *domain.Job
	repo := &fakeJobRepo{
		create: func(_ context.Context, job *domain.Job) (*domain.Job, error) {
			inserted = job
			created := *job
			created.ID = 7
			return &created, nil
		},
	}
	worker := newWorkerControl()
	u, _ := newUsecase(repo, nil, worker)

	input := validCreateInput()
	input.GoodSHA = strings.ToUpper(input.GoodSHA)

	created, err := u.CreateJob(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.ID != 7 {
		t.Errorf("id = %d, want 7", created.ID)
	}
	if inserted.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", inserted.Status)
	}
	if inserted.GoodSHA != strings.Repeat("a", 40) {
		t.Errorf("good sha not normalized: %q", inserted.GoodSHA)
	}

	select {
	case <-worker.woken:
	case <-time.After(time.Second):
		t.Fatal("worker never woken after insert")
	}
}

// ---- ListJobs ----

func TestListJobs_EncodesCursorFromLastServedRow(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	page := make([]*domain.Job, 3)
	for i := range page {
		page[i] = &domain.Job{ID: int64(10 - i), CreatedAt: base.Add(-time.Duration(i) * time.Minute)}
	}

	var got repository.ListJobsInput
	repo := &fakeJobRepo{
		list: func(_ context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
			got = input
			return page, nil
		},
	}
	u, _ := newUsecase(repo, nil, newWorkerControl())

	result, err := u.ListJobs(context.Background(), usecase.ListJobsInput{Limit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Limit != 3 {
		t.Errorf("repo limit = %d, want limit+1 = 3", got.Limit)
	}
	if len(result.Jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(result.Jobs))
	}
	if result.NextCursor == nil {
		t.Fatal("next cursor missing on an overfull page")
	}

	// Feeding the cursor back must resume strictly after the last served
	// row, i.e. at the row the first page held back.
	repo.list = func(_ context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
		got = input
		return nil, nil
	}
	if _, err := u.ListJobs(context.Background(), usecase.ListJobsInput{Limit: 2, Cursor: *result.NextCursor}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.CursorTime == nil || !got.CursorTime.Equal(page[1].CreatedAt) || got.CursorID != page[1].ID {
		t.Errorf("cursor decoded to (%v, %d), want (%v, %d)",
			got.CursorTime, got.CursorID, page[1].CreatedAt, page[1].ID)
	}
}

func TestListJobs_ShortPageHasNoCursor(t *testing.T) {
	repo := &fakeJobRepo{
		list: func(_ context.Context, _ repository.ListJobsInput) ([]*domain.Job, error) {
			return []*domain.Job{{ID: 1}}, nil
		},
	}
	u, _ := newUsecase(repo, nil, newWorkerControl())

	result, err := u.ListJobs(context.Background(), usecase.ListJobsInput{Limit: 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NextCursor != nil {
		t.Errorf("next cursor = %q, want nil", *result.NextCursor)
	}
}

func TestListJobs_RejectsUnknownStatus(t *testing.T) {
	u, _ := newUsecase(&fakeJobRepo{}, nil, newWorkerControl())

	_, err := u.ListJobs(context.Background(), usecase.ListJobsInput{Status: "exploded"})
	if !errors.Is(err, domain.ErrInvalidStatus) {
		t.Errorf("err = %v, want ErrInvalidStatus", err)
	}
}

func TestListJobs_RejectsGarbageCursor(t *testing.T) {
	u, _ := newUsecase(&fakeJobRepo{}, nil, newWorkerControl())

	_, err := u.ListJobs(context.Background(), usecase.ListJobsInput{Cursor: "!!not-base64!!"})
	if !errors.Is(err, domain.ErrInvalidCursor) {
		t.Errorf("err = %v, want ErrInvalidCursor", err)
	}
}

// ---- CancelJob ----

func TestCancelJob_SettlesStreamAndInterruptsLocalRun(t *testing.T) {
	owner := "ops@example.com"
	repo := &fakeJobRepo{
		getByID: func(_ context.Context, id int64) (*domain.Job, error) {
			return &domain.Job{ID: id, Status: domain.StatusRunning, RequestedBy: &owner}, nil
		},
		cancel: func(_ context.Context, id int64, actor string) (domain.Status, error) {
			if actor != "ops@example.com" {
				t.Errorf("actor = %q", actor)
			}
			return domain.StatusRunning, nil
		},
	}
	worker := newWorkerControl()
	u, bus := newUsecase(repo, nil, worker)

	sub := bus.Subscribe(5, 0)
	defer sub.Close()

	previous, err := u.CancelJob(context.Background(), 5, "ops@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if previous != domain.StatusRunning {
		t.Errorf("previous = %s, want running", previous)
	}

	select {
	case id := <-worker.cancelled:
		if id != 5 {
			t.Errorf("cancelled job %d, want 5", id)
		}
	case <-time.After(time.Second):
		t.Fatal("local run never interrupted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var last stream.Message
	for {
		msg, ok := sub.Next(ctx)
		if !ok {
			break
		}
		if msg.Type != stream.MessageKeepalive {
			last = msg
		}
	}
	if ctx.Err() != nil {
		t.Fatal("stream never completed after cancel")
	}
	if last.Type != stream.MessageResult || !strings.Contains(last.Content, `"status":"cancelled"`) {
		t.Errorf("last message = %s %q", last.Type, last.Content)
	}
}

func TestCancelJob_PendingJobSkipsLocalInterrupt(t *testing.T) {
	repo := &fakeJobRepo{
		getByID: func(_ context.Context, id int64) (*domain.Job, error) {
			return &domain.Job{ID: id, Status: domain.StatusPending}, nil
		},
		cancel: func(_ context.Context, _ int64, _ string) (domain.Status, error) {
			return domain.StatusPending, nil
		},
	}
	worker := newWorkerControl()
	u, _ := newUsecase(repo, nil, worker)

	previous, err := u.CancelJob(context.Background(), 6, "someone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if previous != domain.StatusPending {
		t.Errorf("previous = %s, want pending", previous)
	}

	select {
	case <-worker.cancelled:
		t.Error("pending job must not trigger a local interrupt")
	default:
	}
}

func TestCancelJob_TerminalJobPropagatesError(t *testing.T) {
	repo := &fakeJobRepo{
		getByID: func(_ context.Context, id int64) (*domain.Job, error) {
			return &domain.Job{ID: id, Status: domain.StatusSuccess}, nil
		},
		cancel: func(_ context.Context, _ int64, _ string) (domain.Status, error) {
			return "", domain.ErrJobTerminal
		},
	}
	u, _ := newUsecase(repo, nil, newWorkerControl())

	_, err := u.CancelJob(context.Background(), 9, "someone")
	if !errors.Is(err, domain.ErrJobTerminal) {
		t.Errorf("want ErrJobTerminal, got %v", err)
	}
}

func TestCancelJob_ForeignJobIsDenied(t *testing.T) {
	owner := "owner@example.com"
	repo := &fakeJobRepo{
		getByID: func(_ context.Context, id int64) (*domain.Job, error) {
			return &domain.Job{ID: id, Status: domain.StatusRunning, RequestedBy: &owner}, nil
		},
	}
	u, _ := newUsecase(repo, nil, newWorkerControl())

	_, err := u.CancelJob(context.Background(), 9, "intruder@example.com")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("want ErrUnauthorized, got %v", err)
	}
}

// ---- RetryJob ----

func TestRetryJob_ClonesFailedJobAsFreshPending(t *testing.T) {
	errMsg := "bisect run failed"
	notify := "dev@example.com"
	orig := &domain.Job{
		ID:              11,
		InstallationRef: 42,
		RepoOwner:       "acme",
		RepoName:        "widget",
		GoodSHA:         strings.Repeat("a", 40),
		BadSHA:          strings.Repeat("b", 40),
		TestCommand:     "make check",
		NotifyEmail:     &notify,
		Status:          domain.StatusFailed,
		ErrorMessage:    &errMsg,
		AttemptCount:    3,
	}

	var inserted *domain.Job
	repo := &fakeJobRepo{
		getByID: func(_ context.Context, id int64) (*domain.Job, error) {
			if id != 11 {
				t.Errorf("looked up job %d", id)
			}
			return orig, nil
		},
		create: func(_ context.Context, job *domain.Job) (*domain.Job, error) {
			inserted = job
			created := *job
			created.ID = 12
			return &created, nil
		},
	}
	worker := newWorkerControl()
	u, _ := newUsecase(repo, nil, worker)

	created, err := u.RetryJob(context.Background(), 11, "retrier@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.ID != 12 {
		t.Errorf("new id = %d, want 12", created.ID)
	}
	if inserted.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", inserted.Status)
	}
	if inserted.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0", inserted.AttemptCount)
	}
	if inserted.ErrorMessage != nil {
		t.Error("old error message carried into the retry")
	}
	if inserted.RequestedBy == nil || *inserted.RequestedBy != "retrier@example.com" {
		t.Errorf("requested_by = %v", inserted.RequestedBy)
	}
	if inserted.TestCommand != orig.TestCommand || inserted.GoodSHA != orig.GoodSHA {
		t.Error("request fields not cloned")
	}

	select {
	case <-worker.woken:
	case <-time.After(time.Second):
		t.Fatal("worker never woken after retry insert")
	}
}

func TestRetryJob_RejectsNonRetriableStatuses(t *testing.T) {
	for _, status := range []domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusSuccess, domain.StatusTimeout} {
		repo := &fakeJobRepo{
			getByID: func(_ context.Context, id int64) (*domain.Job, error) {
				return &domain.Job{ID: id, Status: status}, nil
			},
		}
		u, _ := newUsecase(repo, nil, newWorkerControl())

		_, err := u.RetryJob(context.Background(), 1, "someone")
		if !errors.Is(err, domain.ErrJobNotRetriable) {
			t.Errorf("status %s: want ErrJobNotRetriable, got %v", status, err)
		}
	}
}

// ---- Stats ----

func TestStats_CombinesCountsWithLocalRunning(t *testing.T) {
	repo := &fakeJobRepo{
		countByStatus: func(_ context.Context) (map[domain.Status]int, error) {
			return map[domain.Status]int{domain.StatusPending: 3, domain.StatusRunning: 2}, nil
		},
	}
	worker := newWorkerControl()
	worker.runningCount = 2
	u, _ := newUsecase(repo, nil, worker)

	stats, err := u.Stats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.StatusCounts[domain.StatusPending] != 3 {
		t.Errorf("pending = %d", stats.StatusCounts[domain.StatusPending])
	}
	if stats.Running != 2 {
		t.Errorf("running = %d, want 2", stats.Running)
	}
}

// ---- RepoUsage ----

func TestRepoUsage_MissingMonthReadsAsZeros(t *testing.T) {
	usage := &fakeUsageRepo{
		get: func(_ context.Context, _, _ string, _ time.Time) (*domain.UsageStat, error) {
			return nil, domain.ErrUsageNotFound
		},
	}
	u, _ := newUsecase(&fakeJobRepo{}, usage, newWorkerControl())

	stat, err := u.RepoUsage(context.Background(), "acme", "widget")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stat.JobCount != 0 || stat.TotalDurationSeconds != 0 {
		t.Errorf("zero stat expected, got %+v", stat)
	}
	if stat.PeriodStart.Day() != 1 {
		t.Errorf("period start = %v, want first of month", stat.PeriodStart)
	}
}
