// seed prepares the local dev database. It applies the bisectd schema when
// missing and inserts a spread of sample jobs, then prints a ready dev JWT.
// Run: go run ./cmd/seed
package main

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/firstbad/bisectd/internal/infrastructure/postgres"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const seedSubject = "dev@example.com"

type sampleJob struct {
	owner, repo string
	good, bad   string
	testCmd     string
	requestedBy string
	status      string
	workerID    string
	attempts    int
	culprit     string
	culpritMsg  string
	errMsg      string
	outputLog   string
	// minutes before now; zero means the column stays NULL
	createdAgo   int
	startedAgo   int
	completedAgo int
	heartbeatAgo int
}

// fakeSHA derives a stable 40-hex commit id from a label so re-runs and
// docs agree on the sample history.
func fakeSHA(label string) string {
	return fmt.Sprintf("%x", sha1.Sum([]byte(label)))
}

func samples() []sampleJob {
	culprit := fakeSHA("acme/widget#417")
	culpritMsg := "parser: skip BOM before sniffing encoding"
	widgetGood := fakeSHA("acme/widget#400")
	widgetBad := fakeSHA("acme/widget#430")
	return []sampleJob{
		{
			owner: "acme", repo: "widget",
			good: widgetGood, bad: widgetBad,
			testCmd: "make check", requestedBy: seedSubject,
			status: "success", attempts: 1,
			culprit: culprit, culpritMsg: culpritMsg,
			outputLog: "# git bisect log\n" +
				"git bisect start '" + widgetBad + "' '" + widgetGood + "'\n" +
				"git bisect good " + fakeSHA("acme/widget#415") + "\n" +
				"git bisect bad " + fakeSHA("acme/widget#422") + "\n" +
				"git bisect bad " + fakeSHA("acme/widget#418") + "\n" +
				"git bisect good " + fakeSHA("acme/widget#416") + "\n" +
				"git bisect bad " + culprit + "\n" +
				"# first bad commit: [" + culprit + "] " + culpritMsg + "\n" +
				"\n" +
				"Cloning repository...\n" +
				"Starting bisect: bad " + widgetBad[:8] + ", good " + widgetGood[:8] + "\n" +
				"Bisecting: 14 revisions left to test after this (roughly 4 steps)\n" +
				"running './.bisect_test.sh'\n" +
				"Bisecting: 7 revisions left to test after this (roughly 3 steps)\n" +
				"running './.bisect_test.sh'\n" +
				"Bisecting: 3 revisions left to test after this (roughly 2 steps)\n" +
				"running './.bisect_test.sh'\n" +
				"Bisecting: 1 revision left to test after this (roughly 1 step)\n" +
				"running './.bisect_test.sh'\n" +
				"Bisecting: 0 revisions left to test after this (roughly 0 steps)\n" +
				"running './.bisect_test.sh'\n" +
				culprit + " is the first bad commit\n" +
				"First bad commit: " + culprit[:8] + " " + culpritMsg + "\n",
			createdAgo: 180, startedAgo: 172, completedAgo: 165,
		},
		{
			owner: "acme", repo: "widget",
			good: fakeSHA("acme/widget#431"), bad: fakeSHA("acme/widget#433"),
			testCmd: "make check", requestedBy: seedSubject,
			status: "failed", attempts: 3,
			errMsg:     "clone: fatal: repository not found",
			outputLog:  "Cloning repository...\nfatal: repository not found\n",
			createdAgo: 140, startedAgo: 139, completedAgo: 138,
		},
		{
			owner: "globex", repo: "pipeline",
			good: fakeSHA("globex/pipeline#2200"), bad: fakeSHA("globex/pipeline#2760"),
			testCmd: "./scripts/integration.sh", requestedBy: seedSubject,
			status: "timeout", attempts: 1,
			errMsg: "bisect timed out after 1h0m0s",
			outputLog: "Cloning repository...\n" +
				"Starting bisect: bad " + fakeSHA("globex/pipeline#2760")[:8] + ", good " + fakeSHA("globex/pipeline#2200")[:8] + "\n" +
				"Bisecting: 279 revisions left to test after this (roughly 8 steps)\n" +
				"running './.bisect_test.sh'\n" +
				"Bisecting: 139 revisions left to test after this (roughly 7 steps)\n" +
				"running './.bisect_test.sh'\n",
			createdAgo: 120, startedAgo: 119, completedAgo: 59,
		},
		{
			// Cancelled mid-run: no transcript was ever persisted, matching
			// what the daemon leaves behind.
			owner: "globex", repo: "pipeline",
			good: fakeSHA("globex/pipeline#2761"), bad: fakeSHA("globex/pipeline#2790"),
			testCmd: "./scripts/integration.sh", requestedBy: "ops@example.com",
			status: "cancelled", attempts: 1,
			errMsg:     "cancelled by ops@example.com",
			createdAgo: 90, startedAgo: 89, completedAgo: 87,
		},
		{
			// Stale heartbeat: the reaper requeues this one shortly after
			// the daemon starts.
			owner: "initech", repo: "reporting",
			good: fakeSHA("initech/reporting#88"), bad: fakeSHA("initech/reporting#104"),
			testCmd: "go test ./...", requestedBy: seedSubject,
			status: "running", workerID: "seed-ghost-1", attempts: 1,
			createdAgo: 15, startedAgo: 12, heartbeatAgo: 10,
		},
		{
			owner: "initech", repo: "reporting",
			good: fakeSHA("initech/reporting#105"), bad: fakeSHA("initech/reporting#120"),
			testCmd: "go test ./...", requestedBy: seedSubject,
			status: "pending", createdAgo: 8,
		},
		{
			owner: "acme", repo: "widget",
			good: fakeSHA("acme/widget#434"), bad: fakeSHA("acme/widget#440"),
			testCmd: "make check", requestedBy: seedSubject,
			status: "pending", createdAgo: 5,
		},
		{
			owner: "acme", repo: "widget",
			good: fakeSHA("acme/widget#441"), bad: fakeSHA("acme/widget#450"),
			testCmd: "make lint check", requestedBy: seedSubject,
			status: "pending", createdAgo: 2,
		},
	}
}

func main() {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	pool, err := postgres.NewPool(ctx, dbURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, postgres.Schema); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	var existing int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&existing); err != nil {
		log.Fatalf("count jobs: %v", err)
	}
	if existing > 0 {
		fmt.Printf("Schema ensured; jobs table already holds %d rows, skipping samples.\n\n", existing)
		printEpilogue(0)
		return
	}

	var inserted int
	var firstID int64
	for _, s := range samples() {
		id, err := insertSample(ctx, pool, s)
		if err != nil {
			log.Fatalf("insert sample %s/%s (%s): %v", s.owner, s.repo, s.status, err)
		}
		if firstID == 0 {
			firstID = id
		}
		inserted++
	}

	// Usage rows matching the outcomes above. Cancelled jobs record no usage.
	for _, u := range []struct {
		owner, repo string
		jobs        int
		seconds     int64
	}{
		{"acme", "widget", 2, 480},
		{"globex", "pipeline", 1, 3600},
	} {
		_, err := pool.Exec(ctx, `
			INSERT INTO usage_stats (repo_owner, repo_name, period_start, job_count, total_duration_seconds)
			VALUES ($1, $2, date_trunc('month', NOW()), $3, $4)
			ON CONFLICT (repo_owner, repo_name, period_start) DO NOTHING`,
			u.owner, u.repo, u.jobs, u.seconds,
		)
		if err != nil {
			log.Fatalf("insert usage for %s/%s: %v", u.owner, u.repo, err)
		}
	}

	fmt.Println("Seed complete")
	fmt.Println()
	fmt.Printf("  Jobs created: %d (ids starting at %d)\n", inserted, firstID)
	fmt.Printf("  Usage rows:   acme/widget and globex/pipeline for the current month\n")
	fmt.Println()
	printEpilogue(firstID)
}

func insertSample(ctx context.Context, pool *pgxpool.Pool, s sampleJob) (int64, error) {
	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO jobs (
			installation_ref, repo_owner, repo_name, good_sha, bad_sha,
			test_command, requested_by, status, worker_id, attempt_count,
			culprit_sha, culprit_message, error_message, output_log,
			created_at, started_at, completed_at, heartbeat_at
		) VALUES (
			1, $1, $2, $3, $4,
			$5, $6, $7, NULLIF($8, ''), $9,
			NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''),
			NOW() - $14 * INTERVAL '1 minute',
			CASE WHEN $15 > 0 THEN NOW() - $15 * INTERVAL '1 minute' END,
			CASE WHEN $16 > 0 THEN NOW() - $16 * INTERVAL '1 minute' END,
			CASE WHEN $17 > 0 THEN NOW() - $17 * INTERVAL '1 minute' END
		)
		RETURNING id`,
		s.owner, s.repo, s.good, s.bad,
		s.testCmd, s.requestedBy, s.status, s.workerID, s.attempts,
		s.culprit, s.culpritMsg, s.errMsg, s.outputLog,
		s.createdAgo, s.startedAgo, s.completedAgo, s.heartbeatAgo,
	).Scan(&id)
	return id, err
}

func printEpilogue(firstID int64) {
	if firstID == 0 {
		firstID = 1
	}

	fmt.Println("How to test:")
	fmt.Println()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Println("  JWT_SECRET is not set, so no dev token could be minted.")
		fmt.Println("  Export it (32+ bytes) and re-run ./cmd/seed for a ready token.")
	} else {
		token, err := devToken(secret)
		if err != nil {
			log.Fatalf("sign dev token: %v", err)
		}
		fmt.Printf("  Step 1: export the dev token (subject %s, valid 24h):\n", seedSubject)
		fmt.Println()
		fmt.Printf("    export JWT=%s\n", token)
	}
	fmt.Println()
	fmt.Println("  Step 2: list the seeded jobs:")
	fmt.Println()
	fmt.Println("    curl -s http://localhost:8080/jobs -H \"Authorization: Bearer $JWT\"")
	fmt.Println()
	fmt.Println("  Step 3: replay a finished job's transcript over SSE:")
	fmt.Println()
	fmt.Printf("    curl -N http://localhost:8080/jobs/%d/stream -H \"Authorization: Bearer $JWT\"\n", firstID)
	fmt.Println()
	fmt.Println("  Step 4: queue a real bisect against any public repository:")
	fmt.Println()
	fmt.Println("    curl -s -X POST http://localhost:8080/jobs \\")
	fmt.Println("      -H \"Authorization: Bearer $JWT\" -H 'Content-Type: application/json' \\")
	fmt.Println("      -d '{\"owner\":\"OWNER\",\"repo\":\"REPO\",")
	fmt.Println("           \"good_sha\":\"FULL_40_CHAR_SHA\",\"bad_sha\":\"FULL_40_CHAR_SHA\",")
	fmt.Println("           \"test_command\":\"make check\",\"installation_ref\":1}'")
	fmt.Println()
	fmt.Println("  What to expect:")
	fmt.Println("    the stale running job      ->  requeued by the reaper within ~30s")
	fmt.Println("    the pending sample jobs    ->  picked up, then fail on clone (their repos do not exist)")
	fmt.Println("    /stats?repo_owner=acme&repo_name=widget  ->  counts plus monthly usage")
}

func devToken(secret string) (string, error) {
	claims := jwt.MapClaims{
		"sub": seedSubject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
