package handler_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/firstbad/bisectd/internal/domain"
	"github.com/firstbad/bisectd/internal/transport/http/handler"
	"github.com/firstbad/bisectd/internal/usecase"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
	if err := handler.RegisterValidators(); err != nil {
		panic(err)
	}
}

// fakeJobUsecase implements the unexported jobUsecaser interface via method
// matching.
type fakeJobUsecase struct {
	createJob func(ctx context.Context, input usecase.CreateJobInput) (*domain.Job, error)
	getJob    func(ctx context.Context, id int64) (*domain.Job, error)
	listJobs  func(ctx context.Context, input usecase.ListJobsInput) (usecase.ListJobsResult, error)
	cancelJob func(ctx context.Context, id int64, actor string) (domain.Status, error)
	retryJob  func(ctx context.Context, id int64, actor string) (*domain.Job, error)
	stats     func(ctx context.Context) (*usecase.Stats, error)
	repoUsage func(ctx context.Context, owner, name string) (*domain.UsageStat, error)
}

func (f *fakeJobUsecase) CreateJob(ctx context.Context, input usecase.CreateJobInput) (*domain.Job, error) {
	return f.createJob(ctx, input)
}

func (f *fakeJobUsecase) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	return f.getJob(ctx, id)
}

func (f *fakeJobUsecase) ListJobs(ctx context.Context, input usecase.ListJobsInput) (usecase.ListJobsResult, error) {
	return f.listJobs(ctx, input)
}

func (f *fakeJobUsecase) CancelJob(ctx context.Context, id int64, actor string) (domain.Status, error) {
	return f.cancelJob(ctx, id, actor)
}

func (f *fakeJobUsecase) RetryJob(ctx context.Context, id int64, actor string) (*domain.Job, error) {
	return f.retryJob(ctx, id, actor)
}

func (f *fakeJobUsecase) Stats(ctx context.Context) (*usecase.Stats, error) {
	return f.stats(ctx)
}

func (f *fakeJobUsecase) RepoUsage(ctx context.Context, owner, name string) (*domain.UsageStat, error) {
	return f.repoUsage(ctx, owner, name)
}

const testSubject = "dev@example.com"

func newJobEngine(uc *fakeJobUsecase) *gin.Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := handler.NewJobHandler(uc, logger)

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set("subject", testSubject) })
	r.POST("/jobs", h.Create)
	r.GET("/jobs", h.List)
	r.GET("/jobs/:id", h.GetByID)
	r.POST("/jobs/:id/cancel", h.Cancel)
	r.POST("/jobs/:id/retry", h.Retry)
	r.GET("/stats", h.Stats)
	return r
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func validCreateBody() string {
	return `{
		"owner": "acme",
		"repo": "widget",
		"good_sha": "` + strings.Repeat("a", 40) + `",
		"bad_sha": "` + strings.Repeat("b", 40) + `",
		"test_command": "make check",
		"installation_ref": 42
	}`
}

// ---- Create ----

func TestCreateJob_Valid_Returns201Pending(t *testing.T) {
	var got usecase.CreateJobInput
	uc := &fakeJobUsecase{
		createJob: func(_ context.Context, input usecase.CreateJobInput) (*domain.Job, error) {
			got = input
			return &domain.Job{ID: 7, Status: domain.StatusPending}, nil
		},
	}

	w := postJSON(newJobEngine(uc), "/jobs", validCreateBody())

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"id":7`) || !strings.Contains(w.Body.String(), `"status":"pending"`) {
		t.Errorf("body = %s", w.Body.String())
	}
	if got.RepoOwner != "acme" || got.RepoName != "widget" {
		t.Errorf("repo = %s/%s", got.RepoOwner, got.RepoName)
	}
	if got.InstallationRef != 42 {
		t.Errorf("installation_ref = %d", got.InstallationRef)
	}
	if got.RequestedBy == nil || *got.RequestedBy != testSubject {
		t.Errorf("requested_by = %v, want %q", got.RequestedBy, testSubject)
	}
}

func TestCreateJob_ShortSHA_Returns400(t *testing.T) {
	uc := &fakeJobUsecase{}
	body := strings.Replace(validCreateBody(), strings.Repeat("a", 40), strings.Repeat("a", 39), 1)

	w := postJSON(newJobEngine(uc), "/jobs", body)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreateJob_NonHexSHA_Returns400(t *testing.T) {
	uc := &fakeJobUsecase{}
	body := strings.Replace(validCreateBody(), strings.Repeat("a", 40), strings.Repeat("z", 40), 1)

	w := postJSON(newJobEngine(uc), "/jobs", body)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreateJob_HyphenEdgedOwner_Returns400(t *testing.T) {
	uc := &fakeJobUsecase{}
	body := strings.Replace(validCreateBody(), `"acme"`, `"-acme"`, 1)

	w := postJSON(newJobEngine(uc), "/jobs", body)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreateJob_RepoWithSlash_Returns400(t *testing.T) {
	uc := &fakeJobUsecase{}
	body := strings.Replace(validCreateBody(), `"widget"`, `"wid/get"`, 1)

	w := postJSON(newJobEngine(uc), "/jobs", body)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreateJob_MissingTestCommand_Returns400(t *testing.T) {
	uc := &fakeJobUsecase{}
	body := strings.Replace(validCreateBody(), `"test_command": "make check",`, "", 1)

	w := postJSON(newJobEngine(uc), "/jobs", body)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreateJob_IdenticalSHAs_Returns400(t *testing.T) {
	uc := &fakeJobUsecase{
		createJob: func(_ context.Context, _ usecase.CreateJobInput) (*domain.Job, error) {
			return nil, domain.ErrSameGoodBad
		},
	}
	body := strings.Replace(validCreateBody(), strings.Repeat("b", 40), strings.Repeat("a", 40), 1)

	w := postJSON(newJobEngine(uc), "/jobs", body)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "must name different commits") {
		t.Errorf("body = %s", w.Body.String())
	}
}

// ---- GetByID ----

func TestGetJob_Found_ReturnsDetail(t *testing.T) {
	output := "bisecting...\ndone"
	uc := &fakeJobUsecase{
		getJob: func(_ context.Context, id int64) (*domain.Job, error) {
			return &domain.Job{
				ID:        id,
				RepoOwner: "acme",
				RepoName:  "widget",
				Status:    domain.StatusSuccess,
				OutputLog: &output,
				CreatedAt: time.Now(),
			}, nil
		},
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs/12", nil)
	newJobEngine(uc).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"output_log":"bisecting...\ndone"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestGetJob_Missing_Returns404(t *testing.T) {
	uc := &fakeJobUsecase{
		getJob: func(_ context.Context, _ int64) (*domain.Job, error) {
			return nil, domain.ErrJobNotFound
		},
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs/999", nil)
	newJobEngine(uc).ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGetJob_NonNumericID_Returns400(t *testing.T) {
	uc := &fakeJobUsecase{}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs/abc", nil)
	newJobEngine(uc).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// ---- List ----

func TestListJobs_ReturnsPageAndCursor(t *testing.T) {
	next := "cursor-token"
	uc := &fakeJobUsecase{
		listJobs: func(_ context.Context, input usecase.ListJobsInput) (usecase.ListJobsResult, error) {
			if input.Status != "failed" {
				t.Errorf("status filter = %q", input.Status)
			}
			if input.Limit != 10 {
				t.Errorf("limit = %d", input.Limit)
			}
			return usecase.ListJobsResult{
				Jobs:       []*domain.Job{{ID: 3, RepoOwner: "acme", RepoName: "widget", Status: domain.StatusFailed}},
				NextCursor: &next,
			}, nil
		},
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs?status=failed&limit=10", nil)
	newJobEngine(uc).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"next_cursor":"cursor-token"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestListJobs_UnknownStatus_Returns400(t *testing.T) {
	uc := &fakeJobUsecase{
		listJobs: func(_ context.Context, _ usecase.ListJobsInput) (usecase.ListJobsResult, error) {
			return usecase.ListJobsResult{}, domain.ErrInvalidStatus
		},
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs?status=exploded", nil)
	newJobEngine(uc).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// ---- Cancel ----

func TestCancelJob_Success_ReportsPreviousStatus(t *testing.T) {
	uc := &fakeJobUsecase{
		cancelJob: func(_ context.Context, id int64, actor string) (domain.Status, error) {
			if actor != testSubject {
				t.Errorf("actor = %q", actor)
			}
			return domain.StatusRunning, nil
		},
	}

	w := postJSON(newJobEngine(uc), "/jobs/5/cancel", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"previous_status":"running"`) || !strings.Contains(body, `"status":"cancelled"`) {
		t.Errorf("body = %s", body)
	}
}

func TestCancelJob_Terminal_Returns400(t *testing.T) {
	uc := &fakeJobUsecase{
		cancelJob: func(_ context.Context, _ int64, _ string) (domain.Status, error) {
			return "", domain.ErrJobTerminal
		},
	}

	w := postJSON(newJobEngine(uc), "/jobs/5/cancel", "")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCancelJob_ForeignJob_Returns403(t *testing.T) {
	uc := &fakeJobUsecase{
		cancelJob: func(_ context.Context, _ int64, _ string) (domain.Status, error) {
			return "", domain.ErrUnauthorized
		},
	}

	w := postJSON(newJobEngine(uc), "/jobs/5/cancel", "")

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

// ---- Retry ----

func TestRetryJob_Success_Returns201WithNewID(t *testing.T) {
	uc := &fakeJobUsecase{
		retryJob: func(_ context.Context, id int64, _ string) (*domain.Job, error) {
			return &domain.Job{ID: 31, Status: domain.StatusPending}, nil
		},
	}

	w := postJSON(newJobEngine(uc), "/jobs/12/retry", "")

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"id":31`) || !strings.Contains(body, `"original_job_id":12`) {
		t.Errorf("body = %s", body)
	}
}

func TestRetryJob_NotRetriable_Returns400(t *testing.T) {
	uc := &fakeJobUsecase{
		retryJob: func(_ context.Context, _ int64, _ string) (*domain.Job, error) {
			return nil, domain.ErrJobNotRetriable
		},
	}

	w := postJSON(newJobEngine(uc), "/jobs/12/retry", "")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// ---- Stats ----

func TestStats_ReportsCountsAndLocalRunning(t *testing.T) {
	uc := &fakeJobUsecase{
		stats: func(_ context.Context) (*usecase.Stats, error) {
			return &usecase.Stats{
				StatusCounts: map[domain.Status]int{domain.StatusPending: 2, domain.StatusRunning: 1},
				Running:      1,
			}, nil
		},
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	newJobEngine(uc).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"pending":2`) || !strings.Contains(body, `"running_here":1`) {
		t.Errorf("body = %s", body)
	}
	if strings.Contains(body, `"usage"`) {
		t.Errorf("usage included without repo params: %s", body)
	}
}

func TestStats_IncludesUsageForNamedRepo(t *testing.T) {
	uc := &fakeJobUsecase{
		stats: func(_ context.Context) (*usecase.Stats, error) {
			return &usecase.Stats{StatusCounts: map[domain.Status]int{}}, nil
		},
		repoUsage: func(_ context.Context, owner, name string) (*domain.UsageStat, error) {
			if owner != "acme" || name != "widget" {
				t.Errorf("repo = %s/%s", owner, name)
			}
			return &domain.UsageStat{
				RepoOwner:            owner,
				RepoName:             name,
				PeriodStart:          time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
				JobCount:             4,
				TotalDurationSeconds: 900,
			}, nil
		},
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats?repo_owner=acme&repo_name=widget", nil)
	newJobEngine(uc).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"job_count":4`) {
		t.Errorf("body = %s", w.Body.String())
	}
}
