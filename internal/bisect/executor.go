// Package bisect drives git bisect sessions in throwaway clones and turns
// their output into a culprit commit plus a streamable transcript.
package bisect

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/firstbad/bisectd/internal/redact"
)

// scriptName is the fixed name the test command is materialized under inside
// the clone. Scripts run with set -e so multi-command one-liners fail fast.
const scriptName = ".bisect_test.sh"

var (
	culpritRe  = regexp.MustCompile(`(?m)^([0-9a-fA-F]{7,40}) is the first bad commit`)
	progressRe = regexp.MustCompile(`Bisecting: (\d+) revisions? left to test after this \(roughly (\d+) steps?\)`)
)

// Observer receives execution events while a session runs. Implementations
// must not block; the session emits on its own goroutine.
type Observer interface {
	Log(line string)
	Progress(step, total int, message string)
}

type nopObserver struct{}

func (nopObserver) Log(string)                {}
func (nopObserver) Progress(int, int, string) {}

type Input struct {
	CloneURL    string // authenticated; never persisted or logged
	GoodSHA     string
	BadSHA      string
	TestCommand string
}

type Result struct {
	CulpritSHA     string
	CulpritMessage string
	// Output is the redacted session transcript; on success the bisect log
	// comes first so the decision sequence survives even when the live
	// buffer overflowed.
	Output string
}

type Executor struct {
	workDir string
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutor builds sessions under workDir (empty = system temp dir).
// timeout bounds a whole session; zero disables the bound.
func NewExecutor(workDir string, timeout time.Duration, logger *slog.Logger) *Executor {
	return &Executor{
		workDir: workDir,
		timeout: timeout,
		logger:  logger.With("component", "bisect"),
	}
}

// Run clones, bisects and tears down. The returned error is nil only when a
// culprit was identified; callers classify timeouts and cancellations on it
// with errors.Is. Result.Output is populated on every path.
func (e *Executor) Run(ctx context.Context, in Input, obs Observer) (res Result, err error) {
	if obs == nil {
		obs = nopObserver{}
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	scratch, err := os.MkdirTemp(e.workDir, "bisect-")
	if err != nil {
		return res, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	t := &transcript{obs: obs}
	defer func() {
		if res.Output == "" {
			res.Output = t.text()
		}
	}()

	start := time.Now()
	repoDir := filepath.Join(scratch, "repo")

	t.add("Cloning repository...")
	code, out, err := runGit(ctx, scratch, t.add, "clone", "--progress", in.CloneURL, repoDir)
	if err != nil {
		return res, fmt.Errorf("clone: %w", err)
	}
	if code != 0 {
		return res, fmt.Errorf("clone: %s", tail(out, 400))
	}

	for _, args := range [][]string{
		{"config", "user.email", "bisect@bisectd.invalid"},
		{"config", "user.name", "bisectd"},
		{"config", "advice.detachedHead", "false"},
	} {
		code, out, err = runGit(ctx, repoDir, nil, args...)
		if err != nil {
			return res, fmt.Errorf("git config: %w", err)
		}
		if code != 0 {
			return res, fmt.Errorf("git config failed: %s", tail(out, 200))
		}
	}

	script := "#!/bin/bash\nset -e\n" + in.TestCommand + "\n"
	if err := os.WriteFile(filepath.Join(repoDir, scriptName), []byte(script), 0o755); err != nil {
		return res, fmt.Errorf("write test script: %w", err)
	}

	t.add(fmt.Sprintf("Starting bisect: bad %s, good %s", short(in.BadSHA), short(in.GoodSHA)))
	code, out, err = runGit(ctx, repoDir, t.add, "bisect", "start", in.BadSHA, in.GoodSHA)
	if err != nil {
		return res, fmt.Errorf("bisect start: %w", err)
	}
	if code != 0 {
		return res, fmt.Errorf("bisect start failed: %s", tail(out, 400))
	}
	defer func() {
		// Reset runs even when the session context is already dead.
		resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if _, _, rerr := runGit(resetCtx, repoDir, nil, "bisect", "reset"); rerr != nil {
			e.logger.Warn("bisect reset failed", "error", rerr)
		}
	}()

	if m := culpritRe.FindStringSubmatch(out); m != nil {
		// No commits between good and bad: git names the culprit at
		// start and there is nothing left to run.
		res.CulpritSHA = m[1]
	} else {
		code, out, err = runGit(ctx, repoDir, t.add, "bisect", "run", "./"+scriptName)
		if err != nil {
			return res, fmt.Errorf("bisect run: %w", err)
		}
		m = culpritRe.FindStringSubmatch(out)
		if code != 0 || m == nil {
			return res, fmt.Errorf("bisect run did not identify a culprit (exit %d): %s", code, tail(out, 400))
		}
		res.CulpritSHA = m[1]
	}

	if _, subject, serr := runGit(ctx, repoDir, nil, "log", "-1", "--pretty=%s", res.CulpritSHA); serr == nil {
		res.CulpritMessage = strings.TrimSpace(subject)
	}
	t.add(fmt.Sprintf("First bad commit: %s %s", short(res.CulpritSHA), res.CulpritMessage))

	if _, bisectLog, blerr := runGit(ctx, repoDir, nil, "bisect", "log"); blerr == nil {
		res.Output = "# git bisect log\n" + strings.TrimSpace(redact.String(bisectLog)) + "\n\n" + t.text()
	}

	e.logger.Info("bisect finished",
		"culprit", short(res.CulpritSHA),
		"duration", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// transcript accumulates redacted output, forwards it to the observer and
// derives progress events from git's own bisect countdown lines.
type transcript struct {
	obs   Observer
	b     strings.Builder
	step  int
	total int
}

func (t *transcript) add(line string) {
	line = redact.String(line)
	t.b.WriteString(line)
	t.b.WriteByte('\n')
	if m := progressRe.FindStringSubmatch(line); m != nil {
		t.step++
		if t.total == 0 {
			est, _ := strconv.Atoi(m[2])
			t.total = est + 1
		}
		if t.step > t.total {
			t.total = t.step
		}
		t.obs.Progress(t.step, t.total, line)
	}
	t.obs.Log(line)
}

func (t *transcript) text() string {
	return t.b.String()
}

func tail(s string, n int) string {
	s = redact.String(strings.TrimSpace(s))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
