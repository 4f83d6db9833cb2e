package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/firstbad/bisectd/internal/bisect"
	"github.com/firstbad/bisectd/internal/domain"
	"github.com/firstbad/bisectd/internal/email"
	"github.com/firstbad/bisectd/internal/metrics"
	"github.com/firstbad/bisectd/internal/repository"
	"github.com/firstbad/bisectd/internal/stream"
)

// Cancellation causes. A running job's context carries one of these so the
// worker can tell who stopped it and settle the row and stream accordingly.
var (
	errCancelledLocally = errors.New("job cancelled by request")
	errAbandoned        = errors.New("job lease lost")
	errShuttingDown     = errors.New("worker shutting down")
)

// Runner executes one bisect session. *bisect.Executor is the real one;
// tests substitute scripted fakes.
type Runner interface {
	Run(ctx context.Context, in bisect.Input, obs bisect.Observer) (bisect.Result, error)
}

// CloneURLProvider mints an authenticated clone URL for a job's repository.
type CloneURLProvider interface {
	CloneURL(ctx context.Context, installationRef int64, owner, repo string) (string, error)
}

type WorkerOptions struct {
	PollInterval      time.Duration
	Concurrency       int
	MaxAttempts       int
	HeartbeatInterval time.Duration
	StreamGrace       time.Duration
}

type Worker struct {
	id                string
	repo              repository.JobRepository
	usage             repository.UsageRepository
	provider          CloneURLProvider
	runner            Runner
	bus               *stream.Bus
	mail              email.Sender
	logger            *slog.Logger
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	streamGrace       time.Duration
	maxAttempts       int
	sem               chan struct{}
	wake              chan struct{}

	mu      sync.Mutex
	running map[int64]context.CancelCauseFunc
	tasks   sync.WaitGroup
}

func NewWorker(
	repo repository.JobRepository,
	usage repository.UsageRepository,
	provider CloneURLProvider,
	runner Runner,
	bus *stream.Bus,
	mail email.Sender,
	logger *slog.Logger,
	opts WorkerOptions,
) *Worker {
	hostname, _ := os.Hostname()
	id := fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().Unix())
	return &Worker{
		id:                id,
		repo:              repo,
		usage:             usage,
		provider:          provider,
		runner:            runner,
		bus:               bus,
		mail:              mail,
		logger:            logger.With("worker_id", id),
		pollInterval:      opts.PollInterval,
		heartbeatInterval: opts.HeartbeatInterval,
		streamGrace:       opts.StreamGrace,
		maxAttempts:       opts.MaxAttempts,
		sem:               make(chan struct{}, opts.Concurrency),
		wake:              make(chan struct{}, 1),
		running:           make(map[int64]context.CancelCauseFunc),
	}
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) RunningCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

// Wake nudges the poll loop so a freshly created job does not sit out the
// rest of the poll interval. Safe to call from any goroutine; extra nudges
// coalesce.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// CancelLocal interrupts a job running in this process. Reports whether the
// job was found here; moving the database row is the caller's business.
func (w *Worker) CancelLocal(id int64) bool {
	w.mu.Lock()
	cancel, ok := w.running[id]
	w.mu.Unlock()
	if ok {
		cancel(errCancelledLocally)
	}
	return ok
}

func (w *Worker) Start(ctx context.Context) {
	metrics.WorkerStartTime.SetToCurrentTime()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info("worker started", "concurrency", cap(w.sem), "poll_interval", w.pollInterval)

	w.processBatch(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker poll loop stopped")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		case <-w.wake:
			w.processBatch(ctx)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	available := cap(w.sem) - len(w.sem)
	if available == 0 {
		return
	}

	jobs, err := w.repo.ClaimNext(ctx, w.id, available)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("claim jobs", "error", err)
		}
		return
	}

	if len(jobs) == 0 {
		return
	}

	w.logger.Info("claimed jobs", "count", len(jobs), "slots_used", len(w.sem)+len(jobs), "slots_total", cap(w.sem))

	for _, job := range jobs {
		w.sem <- struct{}{}
		w.tasks.Add(1)
		go func(j *domain.Job) {
			metrics.JobsInFlight.Inc()
			defer metrics.JobsInFlight.Dec()
			defer w.tasks.Done()
			defer func() { <-w.sem }()
			w.runJob(ctx, j)
		}(job)
	}
}

func (w *Worker) runJob(ctx context.Context, job *domain.Job) {
	metrics.JobPickupLatency.Observe(time.Since(job.CreatedAt).Seconds())

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	w.track(job.ID, cancel)
	defer w.untrack(job.ID)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, job.ID, cancel)

	logger := w.logger.With("job_id", job.ID, "repo", job.RepoOwner+"/"+job.RepoName, "attempt", job.AttemptCount)
	logger.Info("executing bisect job", "good", job.GoodSHA, "bad", job.BadSHA)

	w.bus.Publish(job.ID, stream.MessageStatus, string(domain.StatusRunning))
	w.bus.Publish(job.ID, stream.MessageLog,
		fmt.Sprintf("worker %s picked up job (attempt %d/%d)", w.id, job.AttemptCount, w.maxAttempts))

	// Outcome writes survive a shutdown signal arriving mid-finish; Shutdown
	// waits for this goroutine before closing the pool.
	finishCtx := context.WithoutCancel(ctx)

	cloneURL, err := w.provider.CloneURL(jobCtx, job.InstallationRef, job.RepoOwner, job.RepoName)
	if err != nil {
		w.handleCloneURLError(finishCtx, jobCtx, job, logger, err)
		return
	}

	startedAt := time.Now()
	res, runErr := w.runner.Run(jobCtx, bisect.Input{
		CloneURL:    cloneURL,
		GoodSHA:     job.GoodSHA,
		BadSHA:      job.BadSHA,
		TestCommand: job.TestCommand,
	}, busObserver{bus: w.bus, jobID: job.ID})
	duration := time.Since(startedAt)

	cause := context.Cause(jobCtx)
	switch {
	case runErr == nil:
		w.finishJob(finishCtx, job, logger, domain.Outcome{
			Status:         domain.StatusSuccess,
			CulpritSHA:     &res.CulpritSHA,
			CulpritMessage: &res.CulpritMessage,
			OutputLog:      res.Output,
		}, duration)

	case errors.Is(runErr, context.DeadlineExceeded):
		msg := fmt.Sprintf("bisect timed out after %s", duration.Round(time.Second))
		w.finishJob(finishCtx, job, logger, domain.Outcome{
			Status:       domain.StatusTimeout,
			ErrorMessage: &msg,
			OutputLog:    res.Output,
		}, duration)

	case errors.Is(cause, errCancelledLocally):
		// The cancel request already moved the row and closed the stream.
		metrics.JobsCompletedTotal.WithLabelValues(string(domain.StatusCancelled)).Inc()
		logger.Info("job cancelled mid-run", "duration", duration.Round(time.Millisecond))

	case errors.Is(cause, errAbandoned):
		logger.Warn("job lease lost mid-run")
		w.reconcileAbandoned(finishCtx, job, logger)

	case jobCtx.Err() != nil:
		// Shutdown. ReleaseOwned settles the row; the stream dies with the
		// process.
		logger.Info("job interrupted by shutdown")

	default:
		msg := runErr.Error()
		w.finishJob(finishCtx, job, logger, domain.Outcome{
			Status:       domain.StatusFailed,
			ErrorMessage: &msg,
			OutputLog:    res.Output,
		}, duration)
	}
}

// handleCloneURLError decides between requeueing (transient provider trouble,
// attempts left) and failing for good. GitHub being briefly down should not
// burn a job.
func (w *Worker) handleCloneURLError(finishCtx, jobCtx context.Context, job *domain.Job, logger *slog.Logger, err error) {
	if jobCtx.Err() != nil {
		// Cancelled or shutting down while minting credentials. Ownership of
		// the row moved with whoever stopped us.
		if errors.Is(context.Cause(jobCtx), errAbandoned) {
			w.reconcileAbandoned(finishCtx, job, logger)
		}
		return
	}

	var cloneErr *domain.CloneURLError
	retriable := errors.As(err, &cloneErr) && cloneErr.Retriable()

	if retriable && job.AttemptCount < w.maxAttempts {
		logger.Warn("clone credentials unavailable, requeueing", "error", err)
		w.bus.Publish(job.ID, stream.MessageLog,
			fmt.Sprintf("could not obtain clone credentials (attempt %d/%d), returning job to queue: %v",
				job.AttemptCount, w.maxAttempts, err))
		if rqErr := w.repo.Requeue(finishCtx, job.ID, err.Error()); rqErr != nil {
			logger.Error("requeue job", "error", rqErr)
			return
		}
		metrics.JobsCompletedTotal.WithLabelValues("requeued").Inc()
		return
	}

	msg := err.Error()
	w.finishJob(finishCtx, job, logger, domain.Outcome{
		Status:       domain.StatusFailed,
		ErrorMessage: &msg,
		OutputLog:    "clone credentials error: " + msg + "\n",
	}, 0)
}

// finishJob persists a terminal outcome and, if the row was still ours,
// announces it on the stream and fires the side effects. A false Complete
// means the row moved under us and the database wins.
func (w *Worker) finishJob(ctx context.Context, job *domain.Job, logger *slog.Logger, outcome domain.Outcome, duration time.Duration) {
	ok, err := w.repo.Complete(ctx, job.ID, outcome)
	if err != nil {
		logger.Error("persist job outcome", "status", outcome.Status, "error", err)
		return
	}
	if !ok {
		w.reconcileAbandoned(ctx, job, logger)
		return
	}

	metrics.JobsCompletedTotal.WithLabelValues(string(outcome.Status)).Inc()
	if duration > 0 {
		metrics.BisectDuration.WithLabelValues(string(outcome.Status)).Observe(duration.Seconds())
	}
	logger.Info("job finished", "status", outcome.Status, "duration", duration.Round(time.Millisecond))

	w.bus.Publish(job.ID, stream.MessageStatus, string(outcome.Status))
	w.bus.Publish(job.ID, stream.MessageResult,
		stream.CompletePayload(string(outcome.Status), outcome.CulpritSHA, outcome.CulpritMessage, outcome.ErrorMessage))
	w.bus.MarkComplete(job.ID)
	w.scheduleCleanup(job.ID)

	w.notify(ctx, job, outcome)
	w.recordUsage(ctx, job, duration)
}

// reconcileAbandoned re-reads a job whose row changed while we were running
// it and settles the stream from what the database says. Cancelled and reaped
// rows both land here.
func (w *Worker) reconcileAbandoned(ctx context.Context, job *domain.Job, logger *slog.Logger) {
	metrics.JobsCompletedTotal.WithLabelValues("abandoned").Inc()

	fresh, err := w.repo.GetByID(ctx, job.ID)
	if err != nil {
		logger.Error("reload job after lost lease", "error", err)
		w.bus.Cleanup(job.ID)
		return
	}

	logger.Warn("job row changed under us", "status", fresh.Status)

	if !fresh.Status.Terminal() {
		// Back in the queue: the next claimer keeps publishing on the same
		// stream, so leave it open.
		return
	}
	w.bus.Publish(job.ID, stream.MessageStatus, string(fresh.Status))
	w.bus.Publish(job.ID, stream.MessageResult,
		stream.CompletePayload(string(fresh.Status), fresh.CulpritSHA, fresh.CulpritMessage, fresh.ErrorMessage))
	w.bus.MarkComplete(job.ID)
	w.scheduleCleanup(job.ID)
}

func (w *Worker) heartbeat(ctx context.Context, jobID int64, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beatCtx, done := context.WithTimeout(ctx, 10*time.Second)
			ok, err := w.repo.Heartbeat(beatCtx, jobID)
			done()
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("heartbeat failed", "job_id", jobID, "error", err)
				}
				continue
			}
			if !ok {
				// Row is no longer ours; stop the run.
				cancel(errAbandoned)
				return
			}
		}
	}
}

// Shutdown interrupts in-flight jobs, waits for them to unwind (bounded by
// ctx), then returns whatever this worker still owns to the queue.
func (w *Worker) Shutdown(ctx context.Context) {
	w.mu.Lock()
	for _, cancel := range w.running {
		cancel(errShuttingDown)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("shutdown drain timed out, releasing jobs anyway")
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	requeued, failed, err := w.repo.ReleaseOwned(releaseCtx, w.id, w.maxAttempts)
	if err != nil {
		w.logger.Error("release owned jobs", "error", err)
	} else if requeued+failed > 0 {
		w.logger.Info("released jobs on shutdown", "requeued", requeued, "failed", failed)
	}

	metrics.WorkerShutdownsTotal.Inc()
	w.logger.Info("worker shut down")
}

func (w *Worker) track(id int64, cancel context.CancelCauseFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running[id] = cancel
}

func (w *Worker) untrack(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.running, id)
}

func (w *Worker) scheduleCleanup(jobID int64) {
	time.AfterFunc(w.streamGrace, func() { w.bus.Cleanup(jobID) })
}

func (w *Worker) notify(ctx context.Context, job *domain.Job, outcome domain.Outcome) {
	if job.NotifyEmail == nil || *job.NotifyEmail == "" {
		return
	}
	subject, body := email.JobOutcome(job, outcome)
	if err := w.mail.Send(ctx, *job.NotifyEmail, subject, body); err != nil {
		w.logger.Warn("send completion email", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) recordUsage(ctx context.Context, job *domain.Job, duration time.Duration) {
	err := w.usage.RecordCompletion(ctx, job.RepoOwner, job.RepoName, time.Now().UTC(), int64(duration.Seconds()))
	if err != nil {
		w.logger.Warn("record usage", "job_id", job.ID, "error", err)
	}
}

// busObserver forwards executor events onto the job's stream.
type busObserver struct {
	bus   *stream.Bus
	jobID int64
}

func (o busObserver) Log(line string) {
	o.bus.Publish(o.jobID, stream.MessageLog, line)
}

func (o busObserver) Progress(step, total int, message string) {
	o.bus.Publish(o.jobID, stream.MessageProgress, stream.ProgressPayload(step, total, message))
}
