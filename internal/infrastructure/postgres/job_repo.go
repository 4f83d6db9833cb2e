package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firstbad/bisectd/internal/domain"
	"github.com/firstbad/bisectd/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	query := `
		INSERT INTO jobs (
			installation_ref, repo_owner, repo_name, good_sha, bad_sha,
			test_command, runner_image_tag, requested_by, notify_email, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, installation_ref, repo_owner, repo_name, good_sha, bad_sha,
		          test_command, runner_image_tag, requested_by, notify_email,
		          status, worker_id, heartbeat_at, attempt_count,
		          culprit_sha, culprit_message, error_message, output_log,
		          created_at, started_at, completed_at, updated_at`

	row := r.pool.QueryRow(ctx, query,
		job.InstallationRef,
		job.RepoOwner,
		job.RepoName,
		job.GoodSHA,
		job.BadSHA,
		job.TestCommand,
		job.RunnerImageTag,
		job.RequestedBy,
		job.NotifyEmail,
		domain.StatusPending,
	)
	return scanJob(row)
}

func (r *JobRepository) GetByID(ctx context.Context, id int64) (*domain.Job, error) {
	query := `
		SELECT id, installation_ref, repo_owner, repo_name, good_sha, bad_sha,
		       test_command, runner_image_tag, requested_by, notify_email,
		       status, worker_id, heartbeat_at, attempt_count,
		       culprit_sha, culprit_message, error_message, output_log,
		       created_at, started_at, completed_at, updated_at
		FROM jobs
		WHERE id = $1`

	row := r.pool.QueryRow(ctx, query, id)
	return scanJob(row)
}

func (r *JobRepository) List(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	var args []any
	where := []string{"TRUE"}

	if input.Status != "" {
		args = append(args, input.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`
		SELECT id, installation_ref, repo_owner, repo_name, good_sha, bad_sha,
		       test_command, runner_image_tag, requested_by, notify_email,
		       status, worker_id, heartbeat_at, attempt_count,
		       culprit_sha, culprit_message, error_message, output_log,
		       created_at, started_at, completed_at, updated_at
		FROM jobs
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status domain.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Cancel locks the row so a concurrent Complete cannot interleave, then moves
// the job to cancelled. Returns the status the job had before the transition.
func (r *JobRepository) Cancel(ctx context.Context, id int64, actor string) (domain.Status, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback(ctx)

	var prev domain.Status
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lock job: %w", err)
	}
	if prev.Terminal() {
		return "", domain.ErrJobTerminal
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET    status        = 'cancelled',
		       error_message = $2,
		       worker_id     = NULL,
		       heartbeat_at  = NULL,
		       completed_at  = NOW(),
		       updated_at    = NOW()
		WHERE id = $1`, id, "cancelled by "+actor)
	if err != nil {
		return "", fmt.Errorf("cancel job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit cancel: %w", err)
	}
	return prev, nil
}

func (r *JobRepository) ClaimNext(ctx context.Context, workerID string, limit int) ([]*domain.Job, error) {
	// FOR UPDATE SKIP LOCKED prevents double-execution across workers.
	query := `
		UPDATE jobs
		SET    status        = 'running',
		       worker_id     = $1,
		       started_at    = NOW(),
		       heartbeat_at  = NOW(),
		       attempt_count = attempt_count + 1,
		       updated_at    = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE  status = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, installation_ref, repo_owner, repo_name, good_sha, bad_sha,
		          test_command, runner_image_tag, requested_by, notify_email,
		          status, worker_id, heartbeat_at, attempt_count,
		          culprit_sha, culprit_message, error_message, output_log,
		          created_at, started_at, completed_at, updated_at`

	rows, err := r.pool.Query(ctx, query, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Heartbeat refreshes the lease. A false return means the job left running
// under us (cancelled, or recovered by another instance) and the caller must
// abandon it without further writes.
func (r *JobRepository) Heartbeat(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *JobRepository) Complete(ctx context.Context, id int64, outcome domain.Outcome) (bool, error) {
	// The status guard keeps terminal rows immutable: if the job was
	// cancelled mid-run this write becomes a no-op and reports false.
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET    status          = $2,
		       culprit_sha     = $3,
		       culprit_message = $4,
		       error_message   = $5,
		       output_log      = $6,
		       worker_id       = NULL,
		       heartbeat_at    = NULL,
		       completed_at    = NOW(),
		       updated_at      = NOW()
		WHERE id = $1 AND status = 'running'`,
		id, outcome.Status, outcome.CulpritSHA, outcome.CulpritMessage,
		outcome.ErrorMessage, outcome.OutputLog)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *JobRepository) Fail(ctx context.Context, id int64, errorMessage string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET    status        = 'failed',
		       error_message = $2,
		       worker_id     = NULL,
		       heartbeat_at  = NULL,
		       completed_at  = NOW(),
		       updated_at    = NOW()
		WHERE id = $1 AND status = 'running'`, id, errorMessage)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Requeue returns a claimed job to the queue without touching attempt_count;
// the claim already charged the attempt.
func (r *JobRepository) Requeue(ctx context.Context, id int64, lastError string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET    status        = 'pending',
		       error_message = $2,
		       worker_id     = NULL,
		       heartbeat_at  = NULL,
		       started_at    = NULL,
		       updated_at    = NOW()
		WHERE id = $1 AND status = 'running'`, id, lastError)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

func (r *JobRepository) ResetStale(ctx context.Context, staleCutoff time.Time, maxAttempts, limit int) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET    status        = 'pending',
		       error_message = 'worker heartbeat lost: returned to queue',
		       worker_id     = NULL,
		       heartbeat_at  = NULL,
		       started_at    = NULL,
		       updated_at    = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE  status = 'running'
			  AND  (heartbeat_at < $1 OR (heartbeat_at IS NULL AND started_at < $1))
			  AND  attempt_count < $2
			ORDER BY heartbeat_at ASC NULLS FIRST
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)`, staleCutoff, maxAttempts, limit)
	if err != nil {
		return 0, fmt.Errorf("reset stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *JobRepository) FailStale(ctx context.Context, staleCutoff time.Time, maxAttempts, limit int) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET    status        = 'failed',
		       error_message = 'worker heartbeat lost: max attempts exceeded',
		       worker_id     = NULL,
		       heartbeat_at  = NULL,
		       completed_at  = NOW(),
		       updated_at    = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE  status = 'running'
			  AND  (heartbeat_at < $1 OR (heartbeat_at IS NULL AND started_at < $1))
			  AND  attempt_count >= $2
			ORDER BY heartbeat_at ASC NULLS FIRST
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)`, staleCutoff, maxAttempts, limit)
	if err != nil {
		return 0, fmt.Errorf("fail stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReleaseOwned is the shutdown sweep: whatever this worker still holds in
// running goes back to pending, except jobs already at the attempt cap,
// which fail for good.
func (r *JobRepository) ReleaseOwned(ctx context.Context, workerID string, maxAttempts int) (requeued, failed int, err error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET    status        = 'pending',
		       error_message = 'worker shutdown: returned to queue',
		       worker_id     = NULL,
		       heartbeat_at  = NULL,
		       started_at    = NULL,
		       updated_at    = NOW()
		WHERE worker_id = $1 AND status = 'running' AND attempt_count < $2`,
		workerID, maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("release owned: %w", err)
	}
	requeued = int(tag.RowsAffected())

	tag, err = r.pool.Exec(ctx, `
		UPDATE jobs
		SET    status        = 'failed',
		       error_message = 'worker shutdown: max attempts exceeded',
		       worker_id     = NULL,
		       heartbeat_at  = NULL,
		       completed_at  = NOW(),
		       updated_at    = NOW()
		WHERE worker_id = $1 AND status = 'running' AND attempt_count >= $2`,
		workerID, maxAttempts)
	if err != nil {
		return requeued, 0, fmt.Errorf("release owned (fail): %w", err)
	}
	return requeued, int(tag.RowsAffected()), nil
}

func (r *JobRepository) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('success', 'failed', 'timeout', 'cancelled')
		  AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// pgx.Row and pgx.Rows both implement this.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.InstallationRef, &j.RepoOwner, &j.RepoName, &j.GoodSHA, &j.BadSHA,
		&j.TestCommand, &j.RunnerImageTag, &j.RequestedBy, &j.NotifyEmail,
		&j.Status, &j.WorkerID, &j.HeartbeatAt, &j.AttemptCount,
		&j.CulpritSHA, &j.CulpritMessage, &j.ErrorMessage, &j.OutputLog,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}
