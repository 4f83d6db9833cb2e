package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/firstbad/bisectd/internal/domain"
	"github.com/firstbad/bisectd/internal/usecase"
	"github.com/gin-gonic/gin"
)

// jobUsecaser is the slice of the job usecase the handlers depend on.
type jobUsecaser interface {
	CreateJob(ctx context.Context, input usecase.CreateJobInput) (*domain.Job, error)
	GetJob(ctx context.Context, id int64) (*domain.Job, error)
	ListJobs(ctx context.Context, input usecase.ListJobsInput) (usecase.ListJobsResult, error)
	CancelJob(ctx context.Context, id int64, actor string) (domain.Status, error)
	RetryJob(ctx context.Context, id int64, actor string) (*domain.Job, error)
	Stats(ctx context.Context) (*usecase.Stats, error)
	RepoUsage(ctx context.Context, owner, name string) (*domain.UsageStat, error)
}

type JobHandler struct {
	jobUsecase jobUsecaser
	logger     *slog.Logger
}

func NewJobHandler(jobUsecase jobUsecaser, logger *slog.Logger) *JobHandler {
	return &JobHandler{jobUsecase: jobUsecase, logger: logger.With("component", "job_handler")}
}

type createJobRequest struct {
	Owner           string  `json:"owner"            binding:"required,max=39,ghowner"`
	Repo            string  `json:"repo"             binding:"required,max=100,ghrepo"`
	GoodSHA         string  `json:"good_sha"         binding:"required,len=40,hexadecimal"`
	BadSHA          string  `json:"bad_sha"          binding:"required,len=40,hexadecimal"`
	TestCommand     string  `json:"test_command"     binding:"required,max=4096"`
	InstallationRef int64   `json:"installation_ref" binding:"required"`
	RunnerImageTag  *string `json:"runner_image_tag" binding:"omitempty,max=256"`
	NotifyEmail     *string `json:"notify_email"     binding:"omitempty,email"`
}

type createJobResponse struct {
	ID     int64         `json:"id"`
	Status domain.Status `json:"status"`
}

type jobResponse struct {
	ID              int64         `json:"id"`
	InstallationRef int64         `json:"installation_ref"`
	RepoOwner       string        `json:"repo_owner"`
	RepoName        string        `json:"repo_name"`
	GoodSHA         string        `json:"good_sha"`
	BadSHA          string        `json:"bad_sha"`
	TestCommand     string        `json:"test_command"`
	RunnerImageTag  *string       `json:"runner_image_tag,omitempty"`
	RequestedBy     *string       `json:"requested_by,omitempty"`
	NotifyEmail     *string       `json:"notify_email,omitempty"`
	Status          domain.Status `json:"status"`
	WorkerID        *string       `json:"worker_id,omitempty"`
	AttemptCount    int           `json:"attempt_count"`
	CulpritSHA      *string       `json:"culprit_sha,omitempty"`
	CulpritMessage  *string       `json:"culprit_message,omitempty"`
	ErrorMessage    *string       `json:"error_message,omitempty"`
	OutputLog       *string       `json:"output_log,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

type listJobItem struct {
	ID           int64         `json:"id"`
	RepoOwner    string        `json:"repo_owner"`
	RepoName     string        `json:"repo_name"`
	Status       domain.Status `json:"status"`
	RequestedBy  *string       `json:"requested_by,omitempty"`
	AttemptCount int           `json:"attempt_count"`
	CulpritSHA   *string       `json:"culprit_sha,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

type listJobsResponse struct {
	Jobs       []listJobItem `json:"jobs"`
	NextCursor *string       `json:"next_cursor"`
}

type cancelJobResponse struct {
	ID             int64         `json:"id"`
	PreviousStatus domain.Status `json:"previous_status"`
	Status         domain.Status `json:"status"`
}

type retryJobResponse struct {
	ID            int64         `json:"id"`
	OriginalJobID int64         `json:"original_job_id"`
	Status        domain.Status `json:"status"`
}

type usageResponse struct {
	RepoOwner            string    `json:"repo_owner"`
	RepoName             string    `json:"repo_name"`
	PeriodStart          time.Time `json:"period_start"`
	JobCount             int       `json:"job_count"`
	TotalDurationSeconds int64     `json:"total_duration_seconds"`
}

type statsResponse struct {
	Jobs        map[domain.Status]int `json:"jobs"`
	RunningHere int                   `json:"running_here"`
	Usage       *usageResponse        `json:"usage,omitempty"`
}

func (h *JobHandler) Create(ctx *gin.Context) {
	var req createJobRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var requestedBy *string
	if subject := ctx.GetString("subject"); subject != "" {
		requestedBy = &subject
	}

	job, err := h.jobUsecase.CreateJob(ctx.Request.Context(), usecase.CreateJobInput{
		InstallationRef: req.InstallationRef,
		RepoOwner:       req.Owner,
		RepoName:        req.Repo,
		GoodSHA:         req.GoodSHA,
		BadSHA:          req.BadSHA,
		TestCommand:     req.TestCommand,
		RunnerImageTag:  req.RunnerImageTag,
		RequestedBy:     requestedBy,
		NotifyEmail:     req.NotifyEmail,
	})
	if err != nil {
		if errors.Is(err, domain.ErrSameGoodBad) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errSameGoodBad})
			return
		}
		h.logger.ErrorContext(ctx.Request.Context(), "create job", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusCreated, createJobResponse{ID: job.ID, Status: job.Status})
}

func (h *JobHandler) List(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	result, err := h.jobUsecase.ListJobs(ctx.Request.Context(), usecase.ListJobsInput{
		Status: ctx.Query("status"),
		Cursor: ctx.Query("cursor"),
		Limit:  limit,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidStatus):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidStatus})
		case errors.Is(err, domain.ErrInvalidCursor):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCursor})
		default:
			h.logger.ErrorContext(ctx.Request.Context(), "list jobs", "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	items := make([]listJobItem, len(result.Jobs))
	for i, j := range result.Jobs {
		items[i] = listJobItem{
			ID:           j.ID,
			RepoOwner:    j.RepoOwner,
			RepoName:     j.RepoName,
			Status:       j.Status,
			RequestedBy:  j.RequestedBy,
			AttemptCount: j.AttemptCount,
			CulpritSHA:   j.CulpritSHA,
			ErrorMessage: j.ErrorMessage,
			CreatedAt:    j.CreatedAt,
			CompletedAt:  j.CompletedAt,
		}
	}
	ctx.JSON(http.StatusOK, listJobsResponse{
		Jobs:       items,
		NextCursor: result.NextCursor,
	})
}

func (h *JobHandler) GetByID(ctx *gin.Context) {
	id, ok := jobID(ctx)
	if !ok {
		return
	}

	job, err := h.jobUsecase.GetJob(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.ErrorContext(ctx.Request.Context(), "get job by id", "job_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, jobResponse{
		ID:              job.ID,
		InstallationRef: job.InstallationRef,
		RepoOwner:       job.RepoOwner,
		RepoName:        job.RepoName,
		GoodSHA:         job.GoodSHA,
		BadSHA:          job.BadSHA,
		TestCommand:     job.TestCommand,
		RunnerImageTag:  job.RunnerImageTag,
		RequestedBy:     job.RequestedBy,
		NotifyEmail:     job.NotifyEmail,
		Status:          job.Status,
		WorkerID:        job.WorkerID,
		AttemptCount:    job.AttemptCount,
		CulpritSHA:      job.CulpritSHA,
		CulpritMessage:  job.CulpritMessage,
		ErrorMessage:    job.ErrorMessage,
		OutputLog:       job.OutputLog,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		UpdatedAt:       job.UpdatedAt,
	})
}

func (h *JobHandler) Cancel(ctx *gin.Context) {
	id, ok := jobID(ctx)
	if !ok {
		return
	}

	previous, err := h.jobUsecase.CancelJob(ctx.Request.Context(), id, ctx.GetString("subject"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
		case errors.Is(err, domain.ErrUnauthorized):
			ctx.JSON(http.StatusForbidden, gin.H{"error": errAccessDenied})
		case errors.Is(err, domain.ErrJobTerminal):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errJobTerminal})
		default:
			h.logger.ErrorContext(ctx.Request.Context(), "cancel job", "job_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusOK, cancelJobResponse{
		ID:             id,
		PreviousStatus: previous,
		Status:         domain.StatusCancelled,
	})
}

func (h *JobHandler) Retry(ctx *gin.Context) {
	id, ok := jobID(ctx)
	if !ok {
		return
	}

	job, err := h.jobUsecase.RetryJob(ctx.Request.Context(), id, ctx.GetString("subject"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
		case errors.Is(err, domain.ErrUnauthorized):
			ctx.JSON(http.StatusForbidden, gin.H{"error": errAccessDenied})
		case errors.Is(err, domain.ErrJobNotRetriable):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errJobNotRetriable})
		default:
			h.logger.ErrorContext(ctx.Request.Context(), "retry job", "job_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusCreated, retryJobResponse{
		ID:            job.ID,
		OriginalJobID: id,
		Status:        job.Status,
	})
}

// Stats reports queue-wide status counts plus how many jobs this instance is
// executing. With repo_owner and repo_name query params it also includes the
// repository's usage counters for the current month.
func (h *JobHandler) Stats(ctx *gin.Context) {
	stats, err := h.jobUsecase.Stats(ctx.Request.Context())
	if err != nil {
		h.logger.ErrorContext(ctx.Request.Context(), "job stats", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	resp := statsResponse{Jobs: stats.StatusCounts, RunningHere: stats.Running}

	owner, name := ctx.Query("repo_owner"), ctx.Query("repo_name")
	if owner != "" && name != "" {
		stat, err := h.jobUsecase.RepoUsage(ctx.Request.Context(), owner, name)
		if err != nil {
			h.logger.ErrorContext(ctx.Request.Context(), "repo usage",
				"repo_owner", owner, "repo_name", name, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
			return
		}
		resp.Usage = &usageResponse{
			RepoOwner:            stat.RepoOwner,
			RepoName:             stat.RepoName,
			PeriodStart:          stat.PeriodStart,
			JobCount:             stat.JobCount,
			TotalDurationSeconds: stat.TotalDurationSeconds,
		}
	}

	ctx.JSON(http.StatusOK, resp)
}

func jobID(ctx *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidJobID})
		return 0, false
	}
	return id, true
}
