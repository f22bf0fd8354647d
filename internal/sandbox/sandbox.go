// Package sandbox executes a skill's resolved executable in a bounded
// subprocess: stdin carries the exec input, SKILLSCALE_INTENT carries it
// again as an environment variable, the working directory is the
// skill's own base directory, and a timeout escalates from SIGTERM to
// SIGKILL if the child doesn't exit promptly.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/skillscale/skillscale/internal/discovery"
	"github.com/skillscale/skillscale/internal/errs"
	"github.com/skillscale/skillscale/internal/limits"
)

// DefaultMaxOutputBytes is the per-stream capture cap.
const DefaultMaxOutputBytes = 8 << 20

// killGrace is how long a terminated child is given to exit before it
// is force-killed.
const killGrace = 2 * time.Second

// Result is the outcome of one skill execution.
type Result struct {
	Success          bool
	ExitCode         int
	Stdout           string
	Stderr           string
	StdoutTruncated  bool
	StderrTruncated  bool
	Err              error // non-nil for timeout and sandbox-internal failures (e.g. spawn failed)
}

// Sandbox runs skill executables with a shared launch-rate limiter, so a
// burst of requests cannot fork-bomb the host even when the worker pool
// has spare capacity.
type Sandbox struct {
	limiter        *limits.Limiter
	maxOutputBytes int64
}

// New builds a Sandbox. maxOutputBytes <= 0 uses DefaultMaxOutputBytes.
func New(launchRatePerSec float64, launchBurst int, maxOutputBytes int64) *Sandbox {
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxOutputBytes
	}
	return &Sandbox{
		limiter:        limits.NewLimiter(launchRatePerSec, launchBurst),
		maxOutputBytes: maxOutputBytes,
	}
}

// capturedBuffer caps how many bytes it will retain, discarding the
// remainder while still draining the pipe to avoid stalling the child.
type capturedBuffer struct {
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func (c *capturedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	remaining := c.max - int64(c.buf.Len())
	if remaining <= 0 {
		c.truncated = true
		return n, nil
	}
	if int64(len(p)) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return n, nil
	}
	c.buf.Write(p)
	return n, nil
}

// Execute runs detail's resolved executable with execInput on stdin and
// the SKILLSCALE_INTENT environment variable. A non-zero exit is
// expressed via Result.Success/ExitCode/Stderr with a nil Err. Err is set
// for a timeout (wrapping errs.ErrExecTimeout) and for sandbox-internal
// problems (missing executable, launch rate exceeded, spawn failure).
func (s *Sandbox) Execute(ctx context.Context, detail *discovery.SkillDetail, execInput string, timeout time.Duration) Result {
	if detail.ScriptPath == "" {
		return Result{Err: fmt.Errorf("no runnable for skill %s", detail.Name)}
	}

	if !s.limiter.Allow() {
		return Result{Err: fmt.Errorf("skill launch rate exceeded")}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv0, args := commandFor(detail.ScriptPath)
	cmd := exec.CommandContext(runCtx, argv0, args...)
	cmd.Dir = detail.BaseDir
	cmd.Env = append(cmd.Environ(), "SKILLSCALE_INTENT="+execInput)
	cmd.Stdin = bytes.NewReader([]byte(execInput))
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	stdout := &capturedBuffer{max: s.maxOutputBytes}
	stderr := &capturedBuffer{max: s.maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{
			Success: false,
			Err:     fmt.Errorf("%w after %ds", errs.ErrExecTimeout, int(timeout.Seconds())),
		}
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{Err: fmt.Errorf("sandbox: spawn %s: %w", detail.ScriptPath, err)}
		}
	}

	return Result{
		Success:         exitCode == 0,
		ExitCode:        exitCode,
		Stdout:          stdout.buf.String(),
		Stderr:          stderr.buf.String(),
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
	}
}

// commandFor resolves argv for a script by its extension: known
// scripting extensions run under their interpreter, anything else
// (including extensionless files with a shebang, e.g. scripts/run)
// is executed directly.
func commandFor(scriptPath string) (argv0 string, args []string) {
	switch {
	case hasSuffix(scriptPath, ".py"):
		return "python3", []string{scriptPath}
	case hasSuffix(scriptPath, ".js"):
		return "node", []string{scriptPath}
	case hasSuffix(scriptPath, ".sh"):
		return "sh", []string{scriptPath}
	default:
		return scriptPath, nil
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
