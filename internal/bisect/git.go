package bisect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// killGrace is how long a signaled git process gets to exit before it is
// killed outright.
const killGrace = 10 * time.Second

const maxLineBytes = 1024 * 1024

// runGit executes one git command in dir, feeding every output line through
// sink (may be nil). Returns the process exit code and the combined output.
// A non-nil error means the command did not run to completion (bad binary,
// context cancelled); exit codes are not errors.
func runGit(ctx context.Context, dir string, sink func(string), args ...string) (int, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Credentials travel in the clone URL; git must never stop to ask.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	// The test script under bisect run can spawn arbitrary children, so
	// cancellation signals the whole process group. WaitDelay escalates to
	// a hard kill and unblocks the pipe readers if anything ignores TERM.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, "", fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, "", fmt.Errorf("start git %s: %w", args[0], err)
	}

	lines := make(chan string, 64)
	var readers sync.WaitGroup
	for _, pipe := range []io.Reader{stdout, stderr} {
		readers.Add(1)
		go func(r io.Reader) {
			defer readers.Done()
			scanPipe(r, lines)
		}(pipe)
	}
	go func() {
		readers.Wait()
		close(lines)
	}()

	var out strings.Builder
	for line := range lines {
		out.WriteString(line)
		out.WriteByte('\n')
		if sink != nil {
			sink(line)
		}
	}

	err = cmd.Wait()
	if ctx.Err() != nil {
		return 0, out.String(), ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), out.String(), nil
	}
	if err != nil {
		return 0, out.String(), fmt.Errorf("git %s: %w", args[0], err)
	}
	return 0, out.String(), nil
}

func scanPipe(r io.Reader, lines chan<- string) {
	buf := make([]byte, 0, 32*1024)
	tmp := make([]byte, 8*1024)
	flush := func(b []byte) {
		if s := strings.TrimRight(string(b), " "); s != "" {
			lines <- s
		}
	}
	for {
		n, err := r.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			// git progress output uses \r to redraw in place; treat it
			// as a line break so progress still streams line by line.
			for {
				i := bytes.IndexAny(buf, "\r\n")
				if i < 0 {
					break
				}
				flush(buf[:i])
				adv := i + 1
				if buf[i] == '\r' && adv < len(buf) && buf[adv] == '\n' {
					adv++
				}
				buf = buf[adv:]
			}
			if len(buf) > maxLineBytes {
				flush(buf)
				buf = buf[:0]
			}
		}
		if err != nil {
			flush(buf)
			return
		}
	}
}
