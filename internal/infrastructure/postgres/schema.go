package postgres

// Schema holds the complete bisectd DDL. Every statement is idempotent, so
// the seed command and the integration test setup apply it unconditionally.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               BIGSERIAL PRIMARY KEY,
	installation_ref BIGINT      NOT NULL,
	repo_owner       TEXT        NOT NULL,
	repo_name        TEXT        NOT NULL,
	good_sha         TEXT        NOT NULL,
	bad_sha          TEXT        NOT NULL,
	test_command     TEXT        NOT NULL,
	runner_image_tag TEXT,
	requested_by     TEXT,
	notify_email     TEXT,
	status           TEXT        NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'running', 'success', 'failed', 'timeout', 'cancelled')),
	worker_id        TEXT,
	heartbeat_at     TIMESTAMPTZ,
	attempt_count    INT         NOT NULL DEFAULT 0,
	culprit_sha      TEXT,
	culprit_message  TEXT,
	error_message    TEXT,
	output_log       TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_jobs_pending_created  ON jobs (created_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_jobs_created_id       ON jobs (created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status_heartbeat ON jobs (status, heartbeat_at);

CREATE TABLE IF NOT EXISTS usage_stats (
	id                     BIGSERIAL PRIMARY KEY,
	repo_owner             TEXT        NOT NULL,
	repo_name              TEXT        NOT NULL,
	period_start           TIMESTAMPTZ NOT NULL,
	job_count              INT         NOT NULL DEFAULT 0,
	total_duration_seconds BIGINT      NOT NULL DEFAULT 0,
	UNIQUE (repo_owner, repo_name, period_start)
);
`
